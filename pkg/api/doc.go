// Package api contains the public data model of the fluxo-bpmn durable
// execution layer. It defines the entities persisted by the engine, the
// error taxonomy shared by every service, and the interfaces that connect the
// engine to its collaborators.
//
// Most callers interact with the services under internal/ through a binary in
// cmd/, or with the worker package when they run external task workers. The
// api package is the vocabulary all of those layers share.
//
// # Entities
//
// The package centers around a small set of persisted entities:
//
//   - FlowNodeInstance: one occurrence of a BPMN flow node within a process
//     instance, together with its append-only ProcessToken journal.
//   - Correlation: a group of process instances that belong to one logical run.
//   - ExternalTask: a unit of work handed to an out-of-process worker under a
//     time-bounded lease.
//   - ProcessDefinition: one immutable version of a deployed process model.
//
// # Errors
//
// Every service returns *Error values carrying an ErrorKind. Callers match
// kinds with errors.Is against the sentinel values (ErrNotFound, ErrLocked,
// and so on) or extract them with KindOf. Transport adapters translate kinds
// to their own status codes.
//
// # Authorization
//
// Operations receive the caller's Identity and check a named claim through an
// Authorizer before they mutate state. The claim names used by the engine are
// exported as constants.
//
// # Observability
//
// The Observer interface receives lease and worker lifecycle callbacks. The
// package provides a no-op observer, a composite fan-out, a zap-based logging
// observer and an in-memory counter implementation. Prometheus collectors live
// in internal/metrics.
package api
