package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorryhyun/DiPeO-sub011/common/bootstrap"
	"github.com/sorryhyun/DiPeO-sub011/common/diagram"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/handlers"
	"github.com/sorryhyun/DiPeO-sub011/common/storage"
)

// Container wires the server's long-lived services once at startup
type Container struct {
	*bootstrap.Components

	Registry *handlers.Registry
	Services engine.Services
	Hub      *Hub

	Runs     *storage.RunRepository
	Diagrams *storage.DiagramRepository

	mu      sync.Mutex
	results map[string]*engine.Result
	running map[string]bool
}

// NewContainer builds the service container
func NewContainer(components *bootstrap.Components) *Container {
	c := &Container{
		Components: components,
		Registry:   handlers.NewDefaultRegistry(components.Logger),
		Hub:        NewHub(),
		results:    make(map[string]*engine.Result),
		running:    make(map[string]bool),
	}

	if components.DB != nil {
		c.Runs = storage.NewRunRepository(components.DB)
		c.Diagrams = storage.NewDiagramRepository(components.DB)
	}

	subRunner := handlers.SubRunnerFunc(func(ctx context.Context, name string, variables map[string]any) (*engine.Result, error) {
		d, err := c.LoadDiagram(ctx, name)
		if err != nil {
			return nil, err
		}
		return c.newEngine(engine.NopSink{}).Run(ctx, d, engine.RunOptions{Variables: variables})
	})

	c.Services = handlers.BuildServices(
		components.Config, components.Logger, components.LLM,
		components.Keys, components.Files, subRunner,
	)
	return c
}

func (c *Container) newEngine(sink engine.Sink) *engine.Engine {
	return engine.New(c.Config.Execution, c.Registry, c.Services, sink, c.Logger)
}

// LoadDiagram fetches a stored diagram by name, from Postgres when
// configured and the diagram directory otherwise
func (c *Container) LoadDiagram(ctx context.Context, name string) (*diagram.Diagram, error) {
	var raw []byte
	if c.Diagrams != nil {
		rec, err := c.Diagrams.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		raw = rec.Content
	} else {
		data, err := c.Files.ReadDiagram(name)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return diagram.Parse(raw)
}

// Execute starts a run in the background and returns its execution id.
// Events flow to the hub (for SSE) and to redis when configured.
func (c *Container) Execute(d *diagram.Diagram, diagramName string, opts engine.RunOptions) string {
	execID := uuid.NewString()
	opts.ExecutionID = execID

	sinks := engine.MultiSink{c.Hub}
	if c.Events != nil {
		sinks = append(sinks, engine.NewAsyncSink(c.Events, 1024))
	}

	c.mu.Lock()
	c.running[execID] = true
	c.mu.Unlock()

	if c.Runs != nil {
		run := &storage.Run{
			ExecutionID: execID,
			DiagramName: diagramName,
			Status:      "running",
			StartedAt:   time.Now().UTC(),
		}
		if err := c.Runs.Create(context.Background(), run); err != nil {
			c.Logger.Error("failed to persist run", "execution_id", execID, "error", err)
		}
	}

	go func() {
		result, err := c.newEngine(sinks).Run(context.Background(), d, opts)

		c.mu.Lock()
		delete(c.running, execID)
		if result != nil {
			c.results[execID] = result
		}
		c.mu.Unlock()

		if c.Runs != nil && result != nil {
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
			}
			if dbErr := c.Runs.Finish(context.Background(), execID, string(result.Status), result, errMsg); dbErr != nil {
				c.Logger.Error("failed to finish run record", "execution_id", execID, "error", dbErr)
			}
		}
	}()

	return execID
}

// Lookup returns the state of an execution: its result once finished,
// or a running marker while in flight
func (c *Container) Lookup(executionID string) (*engine.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[executionID] {
		return nil, true, nil
	}
	if result, ok := c.results[executionID]; ok {
		return result, false, nil
	}
	return nil, false, fmt.Errorf("execution %s not found", executionID)
}
