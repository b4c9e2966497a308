package store

import (
	"hookrelay.io/relay/core/db"
)

// Stores bundles all store implementations over one query surface.
// Construct with the pool for standalone queries or with a transaction
// inside db.WithTx.
type Stores struct {
	triggers   TriggerStore
	events     EventStore
	executions ExecutionStore
	workflows  WorkflowStore
	projects   ProjectStore
}

func NewStores(q db.DBTX) *Stores {
	return &Stores{
		triggers:   &postgresTriggerStore{db: q},
		events:     &postgresEventStore{db: q},
		executions: &postgresExecutionStore{db: q},
		workflows:  &postgresWorkflowStore{db: q},
		projects:   &postgresProjectStore{db: q},
	}
}

// NewStoresWith assembles a Stores from explicit implementations.
// Used by tests to substitute mocks per interface.
func NewStoresWith(t TriggerStore, e EventStore, x ExecutionStore, w WorkflowStore, p ProjectStore) *Stores {
	return &Stores{triggers: t, events: e, executions: x, workflows: w, projects: p}
}

func (s *Stores) Triggers() TriggerStore     { return s.triggers }
func (s *Stores) Events() EventStore         { return s.events }
func (s *Stores) Executions() ExecutionStore { return s.executions }
func (s *Stores) Workflows() WorkflowStore   { return s.workflows }
func (s *Stores) Projects() ProjectStore     { return s.projects }
