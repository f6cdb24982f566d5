// Package status reports which credentials and connections the server has
// available, without ever exposing the values themselves.
package status

import (
	"os"
	"strings"

	"github.com/StarLiu1/mercurius-mcp/internal/config"
)

const (
	set    = "SET"
	notSet = "NOT SET"
)

// LLMStatus reports the LLM provider configuration.
type LLMStatus struct {
	Current      string `json:"current"`
	GeminiAPIKey string `json:"gemini_api_key"`
	Model        string `json:"model"`
}

// VSACStatus reports the UMLS credential state.
type VSACStatus struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DatabaseStatus reports the OMOP database configuration. Only the
// password is masked; the rest is connection topology.
type DatabaseStatus struct {
	User     string `json:"user"`
	Endpoint string `json:"endpoint"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Schema   string `json:"schema"`
}

// EnvStatus groups the per-concern credential reports.
type EnvStatus struct {
	LLMProvider LLMStatus      `json:"llm_provider"`
	VSAC        VSACStatus     `json:"vsac"`
	Database    DatabaseStatus `json:"database"`
}

// Readiness says which tool families can run with the current environment.
type Readiness struct {
	LLMParsing      bool `json:"llm_parsing"`
	VSACIntegration bool `json:"vsac_integration"`
	OMOPMapping     bool `json:"omop_mapping"`
	Overall         bool `json:"overall"`
}

// ToolCapability states what one tool needs and whether it can run now.
type ToolCapability struct {
	Requires string `json:"requires"`
	Ready    bool   `json:"ready"`
}

// Report is the full environment status answer.
type Report struct {
	EnvironmentStatus EnvStatus                 `json:"environment_status"`
	DirectEnvCheck    map[string]string         `json:"direct_environment_check"`
	Readiness         Readiness                 `json:"readiness"`
	SetupRequired     bool                      `json:"setup_required"`
	SetupInstructions []string                  `json:"setup_instructions"`
	ToolCapabilities  map[string]ToolCapability `json:"tool_capabilities"`
	EnvFileTemplate   string                    `json:"env_file_template"`
	UsageTips         []string                  `json:"usage_tips"`
}

// directEnvVars are checked straight from the process environment so a
// loading problem can be told apart from a missing variable.
var directEnvVars = []string{
	"GEMINI_API_KEY",
	"VSAC_USERNAME",
	"VSAC_PASSWORD",
	"DATABASE_URL",
	"DATABASE_PASSWORD",
	"LLM_PROVIDER",
}

func mask(v string) string {
	if v != "" {
		return set
	}
	return notSet
}

// Check builds the environment report from the loaded configuration.
func Check(cfg *config.Config) *Report {
	llmReady := cfg.GeminiAPIKey != ""
	vsacReady := cfg.HasVSACCredentials()
	dbReady := cfg.ResolvedDatabaseURL() != ""

	readiness := Readiness{
		LLMParsing:      llmReady,
		VSACIntegration: vsacReady,
		OMOPMapping:     dbReady,
		Overall:         llmReady && vsacReady && dbReady,
	}

	var instructions []string
	if !llmReady {
		instructions = append(instructions, "Set GEMINI_API_KEY in your environment")
	}
	if !vsacReady {
		instructions = append(instructions, "Set VSAC_USERNAME and VSAC_PASSWORD (your UMLS credentials) in your environment")
	}
	if !dbReady {
		instructions = append(instructions, "Set DATABASE_URL, or DATABASE_ENDPOINT/DATABASE_NAME/DATABASE_USER/DATABASE_PASSWORD, in your environment")
	}
	if instructions == nil {
		instructions = []string{}
	}

	direct := make(map[string]string, len(directEnvVars))
	for _, v := range directEnvVars {
		direct[v] = mask(os.Getenv(v))
	}

	return &Report{
		EnvironmentStatus: EnvStatus{
			LLMProvider: LLMStatus{
				Current:      cfg.LLMProvider,
				GeminiAPIKey: mask(cfg.GeminiAPIKey),
				Model:        cfg.GeminiModel,
			},
			VSAC: VSACStatus{
				Username: mask(cfg.VSACUsername),
				Password: mask(cfg.VSACPassword),
			},
			Database: DatabaseStatus{
				User:     cfg.DatabaseUser,
				Endpoint: cfg.DatabaseEndpoint,
				Name:     cfg.DatabaseName,
				Password: mask(cfg.DatabasePassword),
				Schema:   cfg.OMOPSchema,
			},
		},
		DirectEnvCheck:    direct,
		Readiness:         readiness,
		SetupRequired:     !readiness.Overall,
		SetupInstructions: instructions,
		ToolCapabilities: map[string]ToolCapability{
			"parse_nl_to_cql":          {Requires: "LLM credentials", Ready: llmReady},
			"fetch_multiple_vsac":      {Requires: "VSAC credentials", Ready: vsacReady},
			"map_vsac_to_omop":         {Requires: "All credentials", Ready: readiness.Overall},
			"debug_vsac_omop_pipeline": {Requires: "Varies by step", Ready: true},
			"translate_cql_to_sql":     {Requires: "All credentials", Ready: readiness.Overall},
			"check_environment_status": {Requires: "Nothing", Ready: true},
		},
		EnvFileTemplate: envTemplate(cfg),
		UsageTips: []string{
			"All tools automatically use environment variables - no need to pass credentials manually",
			"You can still override by passing parameters explicitly to tools",
			"Use the config://current resource to check current environment status",
			"Restart the server after changing environment variables",
		},
	}
}

func envTemplate(cfg *config.Config) string {
	lines := []string{
		"# LLM Provider Configuration",
		"LLM_PROVIDER=" + cfg.LLMProvider,
		"GEMINI_API_KEY=your_gemini_api_key_here",
		"GEMINI_MODEL=" + cfg.GeminiModel,
		"",
		"# VSAC (UMLS) Credentials",
		"VSAC_USERNAME=your_umls_username",
		"VSAC_PASSWORD=your_umls_password",
		"",
		"# Database Configuration",
		"DATABASE_USER=" + cfg.DatabaseUser,
		"DATABASE_ENDPOINT=" + cfg.DatabaseEndpoint,
		"DATABASE_NAME=" + cfg.DatabaseName,
		"DATABASE_PASSWORD=your_database_password",
		"OMOP_DATABASE_SCHEMA=" + cfg.OMOPSchema,
	}
	return strings.Join(lines, "\n")
}

// ConfigResource is the config://current payload: server identity, the
// active LLM model, and a masked environment variable summary.
func ConfigResource(cfg *config.Config) map[string]any {
	return map[string]any{
		"server_info": map[string]any{
			"name":         "mercurius-mcp",
			"version":      "1.0.0",
			"capabilities": []string{"nl-to-cql", "vsac-integration", "omop-mapping", "sql-generation"},
		},
		"llm_configuration": map[string]any{
			"provider": cfg.LLMProvider,
			"model":    cfg.GeminiModel,
		},
		"environment_variables": map[string]any{
			"llm_credentials": map[string]string{
				"GEMINI_API_KEY": mask(cfg.GeminiAPIKey),
			},
			"vsac_credentials": map[string]string{
				"VSAC_USERNAME": mask(cfg.VSACUsername),
				"VSAC_PASSWORD": mask(cfg.VSACPassword),
			},
			"database_credentials": map[string]string{
				"DATABASE_USER":        cfg.DatabaseUser,
				"DATABASE_ENDPOINT":    cfg.DatabaseEndpoint,
				"DATABASE_NAME":        cfg.DatabaseName,
				"DATABASE_PASSWORD":    mask(cfg.DatabasePassword),
				"OMOP_DATABASE_SCHEMA": cfg.OMOPSchema,
			},
		},
		"auto_defaults": map[string]any{
			"description": "All tools automatically use environment variables as defaults",
			"credentials_required": map[string][]string{
				"vsac_tools":   {"VSAC_USERNAME", "VSAC_PASSWORD"},
				"omop_mapping": {"DATABASE_URL or DATABASE_PASSWORD"},
				"llm_parsing":  {"GEMINI_API_KEY"},
			},
			"override_instructions": "Pass parameters explicitly to tools to override environment variables",
		},
		"usage_examples": map[string]string{
			"simple_vsac_fetch":         "fetch_multiple_vsac(['2.16.840.1.113883.3.464.1003.103.12.1001']) - uses env vars automatically",
			"override_vsac_credentials": "fetch_multiple_vsac(['oid'], 'custom_user', 'custom_pass') - uses custom credentials",
			"full_pipeline":             "map_vsac_to_omop('cql_query') - uses all env vars automatically",
		},
	}
}
