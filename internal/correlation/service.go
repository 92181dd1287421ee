// Package correlation groups the process instances of one logical run and
// derives their aggregate state.
package correlation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Service answers correlation queries on behalf of an identity.
type Service struct {
	correlations persistence.CorrelationStore
	definitions  persistence.ProcessDefinitionStore
	authorizer   api.Authorizer
	logger       *zap.Logger
}

func NewService(
	correlations persistence.CorrelationStore,
	definitions persistence.ProcessDefinitionStore,
	authorizer api.Authorizer,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		correlations: correlations,
		definitions:  definitions,
		authorizer:   authorizer,
		logger:       logger.Named("correlation"),
	}
}

// CreateEntry records that processInstanceID runs as part of correlationID.
// It is called by the interpreter and performs no claim check.
func (s *Service) CreateEntry(
	ctx context.Context,
	identity api.Identity,
	correlationID, processInstanceID, processModelID, processModelHash, parentProcessInstanceID string,
) error {
	entry := &api.CorrelationProcessInstance{
		CorrelationID:           correlationID,
		ProcessInstanceID:       processInstanceID,
		ProcessModelID:          processModelID,
		ProcessModelHash:        processModelHash,
		ParentProcessInstanceID: parentProcessInstanceID,
		Identity:                identity,
		State:                   api.CorrelationRunning,
		CreatedAt:               time.Now().UTC(),
	}
	if err := s.correlations.CreateCorrelationEntry(ctx, entry); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return api.Conflictf("ProcessInstance '%s' is already part of Correlation '%s'.", processInstanceID, correlationID)
		}
		return err
	}
	return nil
}

// GetActive returns the correlations with running members.
func (s *Service) GetActive(ctx context.Context, identity api.Identity) ([]*api.Correlation, error) {
	return s.list(ctx, identity, persistence.CorrelationFilter{State: api.CorrelationRunning})
}

func (s *Service) GetAll(ctx context.Context, identity api.Identity) ([]*api.Correlation, error) {
	return s.list(ctx, identity, persistence.CorrelationFilter{})
}

func (s *Service) GetByProcessModelID(ctx context.Context, identity api.Identity, processModelID string) ([]*api.Correlation, error) {
	return s.list(ctx, identity, persistence.CorrelationFilter{ProcessModelID: processModelID})
}

func (s *Service) GetByCorrelationID(ctx context.Context, identity api.Identity, correlationID string) (*api.Correlation, error) {
	corr, err := s.single(ctx, identity, persistence.CorrelationFilter{CorrelationID: correlationID})
	if err != nil {
		return nil, err
	}
	if corr == nil {
		return nil, api.NotFoundf("No such correlations for the user.")
	}
	return corr, nil
}

func (s *Service) GetByProcessInstanceID(ctx context.Context, identity api.Identity, processInstanceID string) (*api.Correlation, error) {
	corr, err := s.single(ctx, identity, persistence.CorrelationFilter{ProcessInstanceID: processInstanceID})
	if err != nil {
		return nil, err
	}
	if corr == nil {
		return nil, api.NotFoundf("No correlations for ProcessInstance with ID '%s' found.", processInstanceID)
	}
	return corr, nil
}

// GetSubprocessesForProcessInstance returns the correlation formed by the
// direct children of processInstanceID, or nil if there are none visible.
func (s *Service) GetSubprocessesForProcessInstance(ctx context.Context, identity api.Identity, processInstanceID string) (*api.Correlation, error) {
	return s.single(ctx, identity, persistence.CorrelationFilter{ParentProcessInstanceID: processInstanceID})
}

func (s *Service) DeleteCorrelationByProcessModelID(ctx context.Context, identity api.Identity, processModelID string) error {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanDeleteProcessModel); err != nil {
		return err
	}
	return s.correlations.DeleteCorrelationEntriesByProcessModel(ctx, processModelID)
}

// FinishProcessInstanceInCorrelation marks the member row as finished.
func (s *Service) FinishProcessInstanceInCorrelation(ctx context.Context, identity api.Identity, correlationID, processInstanceID string) error {
	return s.finish(ctx, identity, correlationID, processInstanceID, api.CorrelationFinished, nil)
}

// FinishProcessInstanceInCorrelationWithError marks the member row as failed.
func (s *Service) FinishProcessInstanceInCorrelationWithError(
	ctx context.Context,
	identity api.Identity,
	correlationID, processInstanceID string,
	cause error,
) error {
	payload := api.NewErrorPayload(cause)
	if payload == nil {
		payload = &api.ErrorPayload{Kind: api.KindInternal.String(), Message: "unknown error"}
	}
	return s.finish(ctx, identity, correlationID, processInstanceID, api.CorrelationError, payload)
}

func (s *Service) finish(
	ctx context.Context,
	identity api.Identity,
	correlationID, processInstanceID string,
	state api.CorrelationState,
	payload *api.ErrorPayload,
) error {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanReadProcessModel); err != nil {
		return err
	}

	err := s.correlations.FinishCorrelationEntry(ctx, correlationID, processInstanceID, state, payload)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return api.NotFoundf("ProcessInstance '%s' in Correlation '%s' not found.", processInstanceID, correlationID)
	case errors.Is(err, persistence.ErrDuplicate):
		return api.Conflictf("ProcessInstance '%s' in Correlation '%s' is already finished.", processInstanceID, correlationID)
	case err != nil:
		return err
	}

	s.logger.Debug("correlation member finished",
		zap.String("correlation_id", correlationID),
		zap.String("process_instance_id", processInstanceID),
		zap.String("state", string(state)),
	)
	return nil
}

func (s *Service) list(ctx context.Context, identity api.Identity, filter persistence.CorrelationFilter) ([]*api.Correlation, error) {
	rows, err := s.visible(ctx, identity, filter)
	if err != nil {
		return nil, err
	}

	groups, order := group(rows)
	result := make([]*api.Correlation, 0, len(order))
	for _, id := range order {
		corr, err := s.assemble(ctx, id, groups[id])
		if err != nil {
			return nil, err
		}
		result = append(result, corr)
	}
	return result, nil
}

// single assembles all visible rows matching filter into one correlation.
// It returns nil when no row is visible.
func (s *Service) single(ctx context.Context, identity api.Identity, filter persistence.CorrelationFilter) (*api.Correlation, error) {
	rows, err := s.visible(ctx, identity, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.assemble(ctx, rows[0].CorrelationID, rows)
}

func (s *Service) visible(ctx context.Context, identity api.Identity, filter persistence.CorrelationFilter) ([]*api.CorrelationProcessInstance, error) {
	if err := s.authorizer.EnsureHasClaim(ctx, identity, api.ClaimCanReadProcessModel); err != nil {
		return nil, err
	}
	rows, err := s.correlations.QueryCorrelationEntries(ctx, filter)
	if err != nil {
		return nil, err
	}

	visible := rows[:0]
	for _, row := range rows {
		if row.Identity.CanSee(identity) {
			visible = append(visible, row)
		}
	}
	return visible, nil
}

// group buckets rows by correlation id and keeps the order in which each id
// first appears.
func group(rows []*api.CorrelationProcessInstance) (map[string][]*api.CorrelationProcessInstance, []string) {
	groups := make(map[string][]*api.CorrelationProcessInstance)
	var order []string
	for _, row := range rows {
		if _, ok := groups[row.CorrelationID]; !ok {
			order = append(order, row.CorrelationID)
		}
		groups[row.CorrelationID] = append(groups[row.CorrelationID], row)
	}
	return groups, order
}

func (s *Service) assemble(ctx context.Context, id string, rows []*api.CorrelationProcessInstance) (*api.Correlation, error) {
	corr := &api.Correlation{
		ID:        id,
		CreatedAt: rows[0].CreatedAt,
	}
	for _, row := range rows {
		member := *row
		xml, err := s.resolveXML(ctx, row)
		if err != nil {
			return nil, err
		}
		member.XML = xml
		corr.ProcessInstances = append(corr.ProcessInstances, member)
	}
	corr.State, corr.Error = Aggregate(corr.ProcessInstances)
	return corr, nil
}

// resolveXML loads the definition version a member was started with. A
// missing version leaves the XML empty.
func (s *Service) resolveXML(ctx context.Context, row *api.CorrelationProcessInstance) (string, error) {
	if s.definitions == nil || row.ProcessModelHash == "" {
		return "", nil
	}
	def, err := s.definitions.GetProcessDefinitionByHash(ctx, row.ProcessModelHash)
	if errors.Is(err, persistence.ErrNotFound) {
		s.logger.Warn("process definition for correlation member not found",
			zap.String("correlation_id", row.CorrelationID),
			zap.String("process_instance_id", row.ProcessInstanceID),
			zap.String("hash", row.ProcessModelHash),
		)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return def.XML, nil
}

// Aggregate derives the state of a correlation from its members: running if
// any member runs, otherwise error if any member failed, otherwise the state
// the members share. The error is the first member error found.
func Aggregate(members []api.CorrelationProcessInstance) (api.CorrelationState, *api.ErrorPayload) {
	var (
		running bool
		failed  *api.ErrorPayload
		state   api.CorrelationState
	)
	for i := range members {
		m := &members[i]
		switch {
		case m.State == api.CorrelationRunning:
			running = true
		case m.State == api.CorrelationError || m.Error != nil:
			if failed == nil {
				failed = m.Error
				if failed == nil {
					failed = &api.ErrorPayload{Kind: api.KindInternal.String()}
				}
			}
		}
		if state == "" {
			state = m.State
		}
	}

	switch {
	case running:
		return api.CorrelationRunning, nil
	case failed != nil:
		return api.CorrelationError, failed
	default:
		return state, nil
	}
}
