package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sorryhyun/DiPeO-sub011/common/apikeys"
	"github.com/sorryhyun/DiPeO-sub011/common/condition"
	"github.com/sorryhyun/DiPeO-sub011/common/config"
	"github.com/sorryhyun/DiPeO-sub011/common/engine"
	"github.com/sorryhyun/DiPeO-sub011/common/llm"
	"github.com/sorryhyun/DiPeO-sub011/common/logger"
	"github.com/sorryhyun/DiPeO-sub011/common/storage"
)

// Service names handlers resolve from the engine's service bag
const (
	ServiceLLM       = "llm_service"
	ServiceAPIKeys   = "apikey_store"
	ServiceHTTP      = "http_client"
	ServiceFiles     = "file_service"
	ServiceEvaluator = "condition_evaluator"
	ServiceSubRunner = "sub_runner"
	ServiceConfig    = "execution_config"
)

// SubRunner executes a named child diagram on behalf of a sub_diagram
// node. Implementations load the diagram and run it on a fresh engine.
type SubRunner interface {
	RunDiagram(ctx context.Context, name string, variables map[string]any) (*engine.Result, error)
}

// SubRunnerFunc adapts a function to SubRunner
type SubRunnerFunc func(ctx context.Context, name string, variables map[string]any) (*engine.Result, error)

func (f SubRunnerFunc) RunDiagram(ctx context.Context, name string, variables map[string]any) (*engine.Result, error) {
	return f(ctx, name, variables)
}

// BuildServices assembles the default service bag from concrete
// collaborators. Nil entries are simply omitted; handlers declare what
// they require and the engine rejects dispatch when it is missing.
func BuildServices(cfg *config.Config, log *logger.Logger, llmClient llm.Client, keys *apikeys.Store, files *storage.FileStore, subRunner SubRunner) engine.Services {
	services := engine.Services{
		ServiceEvaluator: condition.NewEvaluator(),
		ServiceHTTP:      &http.Client{},
		ServiceConfig:    cfg.Execution,
	}
	if llmClient != nil {
		services[ServiceLLM] = llmClient
	}
	if keys != nil {
		services[ServiceAPIKeys] = keys
	}
	if files != nil {
		services[ServiceFiles] = files
	}
	if subRunner != nil {
		services[ServiceSubRunner] = subRunner
	}
	return services
}

// typed service lookups

func llmFrom(s engine.Services) (llm.Client, error) {
	v, ok := s.Get(ServiceLLM)
	if !ok {
		return nil, fmt.Errorf("service %s not configured", ServiceLLM)
	}
	client, ok := v.(llm.Client)
	if !ok {
		return nil, fmt.Errorf("service %s has unexpected type %T", ServiceLLM, v)
	}
	return client, nil
}

func keysFrom(s engine.Services) (*apikeys.Store, error) {
	v, ok := s.Get(ServiceAPIKeys)
	if !ok {
		return nil, fmt.Errorf("service %s not configured", ServiceAPIKeys)
	}
	store, ok := v.(*apikeys.Store)
	if !ok {
		return nil, fmt.Errorf("service %s has unexpected type %T", ServiceAPIKeys, v)
	}
	return store, nil
}

func filesFrom(s engine.Services) (*storage.FileStore, error) {
	v, ok := s.Get(ServiceFiles)
	if !ok {
		return nil, fmt.Errorf("service %s not configured", ServiceFiles)
	}
	store, ok := v.(*storage.FileStore)
	if !ok {
		return nil, fmt.Errorf("service %s has unexpected type %T", ServiceFiles, v)
	}
	return store, nil
}

func httpFrom(s engine.Services) *http.Client {
	if v, ok := s.Get(ServiceHTTP); ok {
		if client, ok := v.(*http.Client); ok {
			return client
		}
	}
	return http.DefaultClient
}

func evaluatorFrom(s engine.Services) *condition.Evaluator {
	if v, ok := s.Get(ServiceEvaluator); ok {
		if ev, ok := v.(*condition.Evaluator); ok {
			return ev
		}
	}
	return condition.NewEvaluator()
}

func execConfigFrom(s engine.Services) config.ExecutionConfig {
	if v, ok := s.Get(ServiceConfig); ok {
		if cfg, ok := v.(config.ExecutionConfig); ok {
			return cfg
		}
	}
	return config.ExecutionConfig{}
}

func subRunnerFrom(s engine.Services) (SubRunner, error) {
	v, ok := s.Get(ServiceSubRunner)
	if !ok {
		return nil, fmt.Errorf("service %s not configured", ServiceSubRunner)
	}
	runner, ok := v.(SubRunner)
	if !ok {
		return nil, fmt.Errorf("service %s has unexpected type %T", ServiceSubRunner, v)
	}
	return runner, nil
}
