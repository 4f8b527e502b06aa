package jsonclass

import "github.com/valyala/fastjson"

// Validator reports whether b is exactly one well-formed JSON value.
type Validator interface {
	Valid(b []byte) bool
}

// FastJSON validates with fastjson without building a value tree.
type FastJSON struct{}

// Valid implements Validator.
func (FastJSON) Valid(b []byte) bool {
	return fastjson.ValidateBytes(b) == nil
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(b []byte) bool

// Valid implements Validator.
func (f ValidatorFunc) Valid(b []byte) bool {
	return f(b)
}
