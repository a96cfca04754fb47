package job

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/status"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed request.schema.json
var requestSchemaJSON []byte

var requestSchema = mustCompileSchema("request.schema.json", requestSchemaJSON)

func mustCompileSchema(name string, data []byte) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// ParseRequest decodes and validates a trigger body. Aliased field names are
// resolved; defaults are not applied.
func ParseRequest(body []byte) (*Request, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, apperrors.Validation("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := requestSchema.Validate(v); err != nil {
		field, msg := schemaViolation(err)
		return nil, apperrors.Validation(field, msg)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperrors.Validation("body", err.Error())
	}
	if err := validate(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// schemaViolation reduces a schema error to its deepest cause.
func schemaViolation(err error) (field, msg string) {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "body", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field = strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		field = "body"
	}
	return field, ve.Message
}

// Service is the trigger entry point: it turns requests into jobs and runs
// them on the pipeline.
type Service struct {
	pipeline     *Pipeline
	reporter     status.Reporter
	defaultOwner string
	initErr      error
	newID        func() string
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	DefaultOwner string // owner used when a request names none
	// InitErr is why the pipeline could not be built. Requests fail with an
	// initialization error while it is set.
	InitErr error
}

// NewService creates a job service. pipeline and reporter may be nil when
// cfg.InitErr explains why.
func NewService(pipeline *Pipeline, reporter status.Reporter, cfg ServiceConfig) *Service {
	if cfg.DefaultOwner == "" {
		cfg.DefaultOwner = "unknown_user"
	}
	return &Service{
		pipeline:     pipeline,
		reporter:     reporter,
		defaultOwner: cfg.DefaultOwner,
		initErr:      cfg.InitErr,
		newID:        uuid.NewString,
	}
}

// Initialized reports whether jobs can be run.
func (s *Service) Initialized() bool {
	return s.ready() == nil
}

func (s *Service) ready() error {
	if s.initErr != nil {
		if errors.Is(s.initErr, apperrors.ErrInitialization) {
			return s.initErr
		}
		return apperrors.Initialization("pipeline", s.initErr)
	}
	if s.pipeline == nil || s.reporter == nil {
		return apperrors.Initialization("pipeline", nil)
	}
	return nil
}

// Submit parses a raw trigger body and runs the job. Readiness is checked
// before the body is looked at.
func (s *Service) Submit(ctx context.Context, body []byte) (*Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	req, err := ParseRequest(body)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, req)
}

// Create validates the request and runs the job to completion.
// Note: This method applies defaults to the request before validation.
func (s *Service) Create(ctx context.Context, req *Request) (*Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	applyDefaults(req, s.defaultOwner)
	if err := validate(req); err != nil {
		return nil, err
	}

	j := NewJob(s.newID(), req)
	slog.Info("Job accepted", "jobId", j.ID, "docId", j.StatusDocID)
	if hook, ok := ctx.Value(acceptHookKey{}).(func(string, string)); ok {
		hook(j.ID, j.StatusDocID)
	}
	return s.pipeline.Run(ctx, j)
}

type acceptHookKey struct{}

// WithAcceptHook returns a context whose jobs call fn with their job ID and
// status document ID once the request has been accepted.
func WithAcceptHook(ctx context.Context, fn func(jobID, docID string)) context.Context {
	return context.WithValue(ctx, acceptHookKey{}, fn)
}

// Lookup returns the status record of a job document.
func (s *Service) Lookup(ctx context.Context, docID string) (*status.Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.reporter.Lookup(ctx, docID)
}

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *Request, defaultOwner string) {
	if strings.TrimSpace(req.OwnerRef) == "" {
		req.OwnerRef = defaultOwner
	}
}

// Validate checks the request without applying defaults.
func (r *Request) Validate() error {
	return validate(r)
}

// validate checks required fields. Does not modify the request.
func validate(req *Request) error {
	if strings.TrimSpace(req.InputObjectRef) == "" {
		return apperrors.Validation("inputObjectRef", "inputObjectRef is required")
	}
	if strings.TrimSpace(req.StatusDocID) == "" {
		return apperrors.Validation("statusDocId", "statusDocId is required")
	}
	if strings.ContainsAny(req.StatusDocID, `/\`) || req.StatusDocID == "." || req.StatusDocID == ".." {
		return apperrors.Validation("statusDocId", "statusDocId must be a single path segment")
	}
	if strings.ContainsAny(req.OwnerRef, `/\`) || req.OwnerRef == "." || req.OwnerRef == ".." {
		return apperrors.Validation("ownerRef", "ownerRef must be a single path segment")
	}
	return nil
}
