package environments

import (
	"encoding/json"
	"fmt"
)

// EnvironmentConfig is the per-challenge configuration of an execution
// environment. Every environment kind has its own concrete type; values are
// created through DefaultConfig or DecodeConfig.
type EnvironmentConfig interface {
	Environment() ExecutionEnvironment
	Clone() EnvironmentConfig
}

// CodeExecutorConfig configures the generic code runner.
type CodeExecutorConfig struct {
	Runtime         string   `json:"runtime"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	MemoryLimitMB   int      `json:"memory_limit_mb"`
	AllowedPackages []string `json:"allowed_packages"`
}

func (c *CodeExecutorConfig) Environment() ExecutionEnvironment { return CodeExecutor }

func (c *CodeExecutorConfig) Clone() EnvironmentConfig {
	out := *c
	out.AllowedPackages = cloneStrings(c.AllowedPackages)
	return &out
}

// SQLDatabaseConfig configures the SQL sandbox.
type SQLDatabaseConfig struct {
	DatabaseType string `json:"database_type"`
	QueryTimeout int    `json:"query_timeout"`
	MaxRows      int    `json:"max_rows"`
	SchemaSQL    string `json:"schema_sql,omitempty"`
}

func (c *SQLDatabaseConfig) Environment() ExecutionEnvironment { return SQLDatabase }

func (c *SQLDatabaseConfig) Clone() EnvironmentConfig {
	out := *c
	return &out
}

// JupyterNotebookConfig configures the notebook kernel.
type JupyterNotebookConfig struct {
	Kernel               string   `json:"kernel"`
	PreinstalledPackages []string `json:"preinstalled_packages"`
	ExecutionTimeout     int      `json:"execution_timeout"`
}

func (c *JupyterNotebookConfig) Environment() ExecutionEnvironment { return JupyterNotebook }

func (c *JupyterNotebookConfig) Clone() EnvironmentConfig {
	out := *c
	out.PreinstalledPackages = cloneStrings(c.PreinstalledPackages)
	return &out
}

// DataVisualizationConfig configures chart-building challenges.
type DataVisualizationConfig struct {
	Library             string   `json:"library"`
	SupportedChartTypes []string `json:"supported_chart_types"`
	DatasetURL          string   `json:"dataset_url,omitempty"`
}

func (c *DataVisualizationConfig) Environment() ExecutionEnvironment { return DataVisualization }

func (c *DataVisualizationConfig) Clone() EnvironmentConfig {
	out := *c
	out.SupportedChartTypes = cloneStrings(c.SupportedChartTypes)
	return &out
}

// FileAnalysisConfig configures challenges working on uploaded files.
type FileAnalysisConfig struct {
	AllowedFileTypes []string `json:"allowed_file_types"`
	MaxFileSizeMB    int      `json:"max_file_size_mb"`
}

func (c *FileAnalysisConfig) Environment() ExecutionEnvironment { return FileAnalysis }

func (c *FileAnalysisConfig) Clone() EnvironmentConfig {
	out := *c
	out.AllowedFileTypes = cloneStrings(c.AllowedFileTypes)
	return &out
}

// DiagramEditorConfig configures the diagram editor.
type DiagramEditorConfig struct {
	SupportedFormats []string `json:"supported_formats"`
	MaxElements      int      `json:"max_elements"`
	ValidationMode   string   `json:"validation_mode"`
	StarterDiagram   string   `json:"starter_diagram,omitempty"`
}

func (c *DiagramEditorConfig) Environment() ExecutionEnvironment { return DiagramEditor }

func (c *DiagramEditorConfig) Clone() EnvironmentConfig {
	out := *c
	out.SupportedFormats = cloneStrings(c.SupportedFormats)
	return &out
}

// TextEditorConfig configures free-text answers.
type TextEditorConfig struct {
	Format   string `json:"format"`
	MinWords int    `json:"min_words"`
	MaxWords int    `json:"max_words"`
	Template string `json:"template,omitempty"`
}

func (c *TextEditorConfig) Environment() ExecutionEnvironment { return TextEditor }

func (c *TextEditorConfig) Clone() EnvironmentConfig {
	out := *c
	return &out
}

// SpreadsheetEditorConfig configures the spreadsheet editor.
type SpreadsheetEditorConfig struct {
	AllowFormulas bool   `json:"allow_formulas"`
	MaxRows       int    `json:"max_rows"`
	MaxColumns    int    `json:"max_columns"`
	TemplateData  string `json:"template_data,omitempty"`
}

func (c *SpreadsheetEditorConfig) Environment() ExecutionEnvironment { return SpreadsheetEditor }

func (c *SpreadsheetEditorConfig) Clone() EnvironmentConfig {
	out := *c
	return &out
}

// GenericConfig holds the configuration of an environment kind this build
// does not know about. Values are kept as-is so authoring keeps working
// while a new kind is rolled out.
type GenericConfig struct {
	Kind   ExecutionEnvironment
	Values map[string]any
}

func (c *GenericConfig) Environment() ExecutionEnvironment { return c.Kind }

func (c *GenericConfig) Clone() EnvironmentConfig {
	out := &GenericConfig{Kind: c.Kind, Values: make(map[string]any, len(c.Values))}
	for k, v := range c.Values {
		out.Values[k] = v
	}
	return out
}

// MarshalJSON encodes only the free-form values.
func (c *GenericConfig) MarshalJSON() ([]byte, error) {
	if c.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Values)
}

// DecodeConfig decodes raw JSON into the config variant of env. Fields
// missing from raw keep their default values. An empty payload yields the
// defaults.
func DecodeConfig(env ExecutionEnvironment, raw []byte) (EnvironmentConfig, error) {
	cfg := DefaultConfig(env)
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}

	if generic, ok := cfg.(*GenericConfig); ok {
		if err := json.Unmarshal(raw, &generic.Values); err != nil {
			return nil, fmt.Errorf("failed to decode %s config: %w", env, err)
		}
		return generic, nil
	}

	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s config: %w", env, err)
	}
	return cfg, nil
}

// DecodeConfigMap converts a loosely typed map (e.g. parsed from YAML) into
// the config variant of env.
func DecodeConfigMap(env ExecutionEnvironment, values map[string]any) (EnvironmentConfig, error) {
	if len(values) == 0 {
		return DefaultConfig(env), nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s config: %w", env, err)
	}
	return DecodeConfig(env, raw)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
