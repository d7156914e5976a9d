package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ineyio/gridcredit"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("image", func(fl validator.FieldLevel) bool {
		_, err := decodeImage(fl.Field().String())
		return err == nil
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates body and turns validation failures into ErrInvalidRequest
// with a per-field detail map.
func (s *Server) check(body any) (map[string]string, error) {
	err := s.validate.Struct(body)
	if err == nil {
		return nil, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, fmt.Errorf("%w: %v", gridcredit.ErrInvalidRequest, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		fields[field] = fe.Tag()
	}
	return fields, fmt.Errorf("%w: invalid request body", gridcredit.ErrInvalidRequest)
}

// decodeImage accepts a data URL or bare standard base64.
func decodeImage(s string) (gridcredit.Artifact, error) {
	mime := "image/png"
	if rest, found := strings.CutPrefix(s, "data:"); found {
		meta, data, ok := strings.Cut(rest, ",")
		if !ok {
			return gridcredit.Artifact{}, errors.New("malformed data url")
		}
		meta, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 || !strings.HasPrefix(meta, "image/") {
			return gridcredit.Artifact{}, errors.New("data url must be a base64 image")
		}
		mime, s = meta, data
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return gridcredit.Artifact{}, err
	}
	if len(b) == 0 {
		return gridcredit.Artifact{}, errors.New("empty image")
	}
	return gridcredit.Artifact{MIMEType: mime, Data: b}, nil
}

func encodeImage(a gridcredit.Artifact) string {
	if a.Empty() {
		return ""
	}
	mime := a.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
