package persistence

// Persistence bundles the store interfaces so the services can depend on a
// single abstraction.
type Persistence struct {
	FlowNodeInstances  FlowNodeInstanceStore
	Correlations       CorrelationStore
	ExternalTasks      ExternalTaskStore
	ProcessDefinitions ProcessDefinitionStore
}

// FromStore exposes every store of s through a Persistence value.
func FromStore(s *SQLStore) Persistence {
	return Persistence{
		FlowNodeInstances:  s,
		Correlations:       s,
		ExternalTasks:      s,
		ProcessDefinitions: s,
	}
}
