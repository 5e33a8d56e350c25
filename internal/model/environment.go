package model

import "fmt"

// Environment is one stage target in the deployment chain.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvQA          Environment = "qa"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// DefaultEnvironmentChain is the full promotion order.
var DefaultEnvironmentChain = []Environment{EnvDevelopment, EnvQA, EnvStaging, EnvProduction}

// ParseEnvironment validates an environment name from an API request.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvDevelopment, EnvQA, EnvStaging, EnvProduction:
		return Environment(s), nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// ChainThrough returns the chain of environments up to and including target,
// in promotion order.
func ChainThrough(target Environment) []Environment {
	var chain []Environment
	for _, env := range DefaultEnvironmentChain {
		chain = append(chain, env)
		if env == target {
			return chain
		}
	}
	return nil
}
