package reload

import (
	"github.com/any-hub/any-gate/internal/auth"
	"github.com/any-hub/any-gate/internal/config"
	"github.com/any-hub/any-gate/internal/routing"
)

// Snapshot 是一次加载得到的完整运行时状态，发布前必须全部构造成功。
type Snapshot struct {
	Config    *config.Config
	Table     *routing.Table
	Validator *auth.Validator
}

// Build compiles cfg into a route table and, when any route is protected, a
// token validator. Without protected routes no key material is required.
func Build(cfg *config.Config) (*Snapshot, error) {
	table, err := routing.Load(cfg)
	if err != nil {
		return nil, err
	}

	var validator *auth.Validator
	if cfg.RequiresAuth() {
		validator, err = auth.NewValidator(cfg.Auth)
		if err != nil {
			return nil, &config.ConfigError{Err: err}
		}
	}
	return &Snapshot{Config: cfg, Table: table, Validator: validator}, nil
}

// LoadFile reads path and builds a snapshot from it.
func LoadFile(path string) (*Snapshot, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return Build(cfg)
}
