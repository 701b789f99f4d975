package core

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

const (
	FieldTitle   = "title"
	FieldAmount  = "amount"
	FieldFileKey = "fileKey"
)

var (
	titleSchema   = mustCompile("title.json")
	amountSchema  = mustCompile("amount.json")
	fileKeySchema = mustCompile("file_key.json")
)

func mustCompile(name string) *jsonschema.Schema {
	b, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// keyword -> reason, in the order a single field error is chosen.
var keywordReasons = []struct {
	keyword string
	reason  string
}{
	{"type", ReasonWrongType},
	{"minLength", ReasonTooShort},
	{"maxLength", ReasonTooLong},
	{"pattern", ReasonBlank},
	{"exclusiveMinimum", ReasonNotPositive},
	{"maximum", ReasonTooLarge},
}

var fieldMessages = map[string]map[string]string{
	FieldTitle: {
		ReasonRequired:  "Title is required",
		ReasonWrongType: "Title must be a string",
		ReasonTooShort:  fmt.Sprintf("Title must be at least %d characters", MinTitleLength),
		ReasonTooLong:   fmt.Sprintf("Title must be at most %d characters", MaxTitleLength),
		ReasonBlank:     "Title must not be blank",
	},
	FieldAmount: {
		ReasonRequired:    "Amount is required",
		ReasonWrongType:   "Amount must be a number",
		ReasonNotInteger:  "Amount must be an integer",
		ReasonNotPositive: "Amount must be greater than 0",
		ReasonTooLarge:    "Amount is too large",
	},
	FieldFileKey: {
		ReasonWrongType:         "File key must be a string",
		ReasonTooShort:          "File key is required",
		ReasonTooLong:           "File key is too long",
		ReasonConflictingFields: "File key cannot be combined with title or amount",
	},
}

func fieldError(field, reason string) FieldError {
	msg, ok := fieldMessages[field][reason]
	if !ok {
		msg = strings.ReplaceAll(reason, "_", " ")
	}
	return FieldError{Field: field, Reason: reason, Message: msg}
}

// ParseInput validates an untyped create or full-replace body.
func ParseInput(raw []byte) (ExpenseInput, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return ExpenseInput{}, err
	}
	var (
		in   ExpenseInput
		errs []FieldError
	)
	titleV, hasTitle := obj[FieldTitle]
	amountV, hasAmount := obj[FieldAmount]

	if !hasTitle {
		errs = append(errs, fieldError(FieldTitle, ReasonRequired))
	} else if fe := checkField(FieldTitle, titleSchema, titleV); fe != nil {
		errs = append(errs, *fe)
	} else {
		in.Title = titleV.(string)
	}

	if !hasAmount {
		errs = append(errs, fieldError(FieldAmount, ReasonRequired))
	} else if n, fe := checkAmount(amountV); fe != nil {
		errs = append(errs, *fe)
	} else {
		in.Amount = n
	}

	if len(errs) > 0 {
		return ExpenseInput{}, &ValidationError{Fields: errs}
	}
	return in, nil
}

// ParsePatch validates an untyped partial-update body. A body carrying
// fileKey is an attachment bind and may not name any other mutable field.
// A body naming none of title, amount or fileKey is an empty patch.
func ParsePatch(raw []byte) (ExpensePatch, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return ExpensePatch{}, err
	}
	titleV, hasTitle := obj[FieldTitle]
	amountV, hasAmount := obj[FieldAmount]
	keyV, hasKey := obj[FieldFileKey]

	if hasKey {
		if hasTitle || hasAmount {
			return ExpensePatch{}, &ValidationError{Fields: []FieldError{fieldError(FieldFileKey, ReasonConflictingFields)}}
		}
		if fe := checkField(FieldFileKey, fileKeySchema, keyV); fe != nil {
			return ExpensePatch{}, &ValidationError{Fields: []FieldError{*fe}}
		}
		key := keyV.(string)
		return ExpensePatch{AttachmentKey: &key}, nil
	}
	if !hasTitle && !hasAmount {
		return ExpensePatch{}, EmptyPatchError()
	}

	var (
		p    ExpensePatch
		errs []FieldError
	)
	if hasTitle {
		if fe := checkField(FieldTitle, titleSchema, titleV); fe != nil {
			errs = append(errs, *fe)
		} else {
			title := titleV.(string)
			p.Title = &title
		}
	}
	if hasAmount {
		if n, fe := checkAmount(amountV); fe != nil {
			errs = append(errs, *fe)
		} else {
			p.Amount = &n
		}
	}
	if len(errs) > 0 {
		return ExpensePatch{}, &ValidationError{Fields: errs}
	}
	return p, nil
}

// ValidateInput applies the create/replace rules to an already typed payload.
func ValidateInput(in ExpenseInput) error {
	var errs []FieldError
	if fe := checkField(FieldTitle, titleSchema, in.Title); fe != nil {
		errs = append(errs, *fe)
	}
	if _, fe := checkAmount(json.Number(strconv.FormatInt(in.Amount, 10))); fe != nil {
		errs = append(errs, *fe)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidatePatch applies the patch rules to an already typed payload. A
// patch carrying an attachment key must carry nothing else.
func ValidatePatch(p ExpensePatch) error {
	if p.AttachmentKey != nil {
		if p.Title != nil || p.Amount != nil {
			return &ValidationError{Fields: []FieldError{fieldError(FieldFileKey, ReasonConflictingFields)}}
		}
		return ValidateFileKey(*p.AttachmentKey)
	}
	if p.Title == nil && p.Amount == nil {
		return EmptyPatchError()
	}
	var errs []FieldError
	if p.Title != nil {
		if fe := checkField(FieldTitle, titleSchema, *p.Title); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if p.Amount != nil {
		if _, fe := checkAmount(json.Number(strconv.FormatInt(*p.Amount, 10))); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateFileKey checks the shape of an attachment key.
func ValidateFileKey(key string) error {
	if fe := checkField(FieldFileKey, fileKeySchema, key); fe != nil {
		return &ValidationError{Fields: []FieldError{*fe}}
	}
	return nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, NewValidationError("", ReasonInvalidJSON, "Request body must be valid JSON")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, NewValidationError("", ReasonInvalidJSON, "Request body must contain a single JSON object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, NewValidationError("", ReasonInvalidJSON, "Request body must be a JSON object")
	}
	return obj, nil
}

func checkAmount(v any) (int64, *FieldError) {
	if num, ok := v.(json.Number); ok {
		if r, ok := new(big.Rat).SetString(num.String()); ok && !r.IsInt() {
			fe := fieldError(FieldAmount, ReasonNotInteger)
			return 0, &fe
		}
	}
	if fe := checkField(FieldAmount, amountSchema, v); fe != nil {
		return 0, fe
	}
	r, _ := new(big.Rat).SetString(v.(json.Number).String())
	return r.Num().Int64(), nil
}

func checkField(field string, schema *jsonschema.Schema, v any) *FieldError {
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		fe := fieldError(field, ReasonWrongType)
		return &fe
	}
	failed := map[string]bool{}
	collectKeywords(ve, failed)
	for _, kr := range keywordReasons {
		if failed[kr.keyword] {
			fe := fieldError(field, kr.reason)
			return &fe
		}
	}
	fe := fieldError(field, ReasonWrongType)
	return &fe
}

func collectKeywords(ve *jsonschema.ValidationError, into map[string]bool) {
	if len(ve.Causes) == 0 {
		loc := ve.KeywordLocation
		if loc == "" {
			loc = ve.AbsoluteKeywordLocation
		}
		if i := strings.LastIndex(loc, "/"); i >= 0 {
			loc = loc[i+1:]
		}
		into[loc] = true
		return
	}
	for _, c := range ve.Causes {
		collectKeywords(c, into)
	}
}
