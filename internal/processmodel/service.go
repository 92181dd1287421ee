// Package processmodel stores versioned process definitions and removes a
// model together with everything recorded for it.
package processmodel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Service persists process definitions and runs the model cascade delete.
type Service struct {
	definitions   persistence.ProcessDefinitionStore
	correlations  persistence.CorrelationStore
	flowNodes     persistence.FlowNodeInstanceStore
	externalTasks persistence.ExternalTaskStore
	authorizer    api.Authorizer
	logger        *zap.Logger
}

func NewService(p persistence.Persistence, authorizer api.Authorizer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		definitions:   p.ProcessDefinitions,
		correlations:  p.Correlations,
		flowNodes:     p.FlowNodeInstances,
		externalTasks: p.ExternalTasks,
		authorizer:    authorizer,
		logger:        logger.Named("processmodel"),
	}
}

// Hash returns the version hash of a definition document.
func Hash(doc string) string {
	sum := sha256.Sum256([]byte(doc))
	return hex.EncodeToString(sum[:])
}

// Persist stores doc as the newest version of the named model. An existing
// model is only replaced when overwrite is set. Storing a document identical
// to the latest version is a no-op.
func (s *Service) Persist(ctx context.Context, identity api.Identity, name, doc string, overwrite bool) (*api.ProcessDefinition, error) {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanWriteProcessModel); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, api.BadRequestf("process definition name is required")
	}

	hash := Hash(doc)
	latest, err := s.definitions.GetLatestProcessDefinition(ctx, name)
	switch {
	case err == nil:
		if latest.Hash == hash {
			return latest, nil
		}
		if !overwrite {
			return nil, api.Conflictf("Process definition with the name '%s' already exists!", name)
		}
	case !errors.Is(err, persistence.ErrNotFound):
		return nil, err
	}

	def := &api.ProcessDefinition{
		Name:      name,
		XML:       doc,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.definitions.SaveProcessDefinition(ctx, def); err != nil {
		// An older version with the same content is still stored.
		if errors.Is(err, persistence.ErrDuplicate) {
			return s.definitions.GetProcessDefinitionByHash(ctx, hash)
		}
		return nil, err
	}

	s.logger.Info("process definition persisted", zap.String("name", name), zap.String("hash", hash))
	return def, nil
}

func (s *Service) GetByHash(ctx context.Context, identity api.Identity, hash string) (*api.ProcessDefinition, error) {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanReadProcessModel); err != nil {
		return nil, err
	}
	def, err := s.definitions.GetProcessDefinitionByHash(ctx, hash)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, api.NotFoundf("Process definition with hash '%s' not found.", hash)
	}
	return def, err
}

func (s *Service) GetLatest(ctx context.Context, identity api.Identity, name string) (*api.ProcessDefinition, error) {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanReadProcessModel); err != nil {
		return nil, err
	}
	def, err := s.definitions.GetLatestProcessDefinition(ctx, name)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, api.NotFoundf("Process definition with name '%s' not found.", name)
	}
	return def, err
}

// DeleteProcessModel removes the definitions, correlations, flow node
// instances and external tasks of a model. The steps are independent
// statements: every step runs even if an earlier one failed, and all errors
// are returned combined.
func (s *Service) DeleteProcessModel(ctx context.Context, identity api.Identity, processModelID string) error {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanDeleteProcessModel); err != nil {
		return err
	}

	steps := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"process definitions", s.definitions.DeleteProcessDefinitions},
		{"correlations", s.correlations.DeleteCorrelationEntriesByProcessModel},
		{"flow node instances", s.flowNodes.DeleteFlowNodeInstancesByProcessModel},
		{"external tasks", s.externalTasks.DeleteExternalTasksByProcessModel},
	}

	var errs error
	for _, step := range steps {
		if err := step.run(ctx, processModelID); err != nil {
			s.logger.Error("process model delete step failed",
				zap.String("process_model_id", processModelID),
				zap.String("step", step.name),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		s.logger.Info("process model deleted", zap.String("process_model_id", processModelID))
	}
	return errs
}

// FlowNodeName returns the name attribute of the element with the given id
// in a BPMN document, or "" if there is none.
func FlowNodeName(doc, flowNodeID string) string {
	dec := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var id, name string
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "id":
				id = attr.Value
			case "name":
				name = attr.Value
			}
		}
		if id == flowNodeID {
			return name
		}
	}
}
