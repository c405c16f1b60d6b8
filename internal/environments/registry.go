// Package environments is the static catalog of execution environments a
// challenge can run in: their default configuration, human labels and the
// exercise categories they are compatible with.
package environments

// ExecutionEnvironment identifies the tool a challenge is solved in.
type ExecutionEnvironment string

const (
	CodeExecutor      ExecutionEnvironment = "code_executor"
	SQLDatabase       ExecutionEnvironment = "sql_database"
	JupyterNotebook   ExecutionEnvironment = "jupyter_notebook"
	DataVisualization ExecutionEnvironment = "data_visualization"
	FileAnalysis      ExecutionEnvironment = "file_analysis"
	DiagramEditor     ExecutionEnvironment = "diagram_editor"
	TextEditor        ExecutionEnvironment = "text_editor"
	SpreadsheetEditor ExecutionEnvironment = "spreadsheet_editor"
)

// Category is the audience of an exercise.
type Category string

const (
	CategoryDeveloper       Category = "developer"
	CategoryBusinessAnalyst Category = "business_analyst"
	CategoryDataAnalyst     Category = "data_analyst"
)

// IsKnown reports whether the category has a compatibility entry.
func (c Category) IsKnown() bool {
	_, ok := compatibility[c]
	return ok
}

type descriptor struct {
	label         string
	description   string
	starterCode   bool
	defaultConfig func() EnvironmentConfig
}

// Descriptor is the catalog entry served to authoring clients.
type Descriptor struct {
	Environment   ExecutionEnvironment `json:"environment"`
	Label         string               `json:"label"`
	Description   string               `json:"description"`
	StarterCode   bool                 `json:"requires_starter_code"`
	DefaultConfig EnvironmentConfig    `json:"default_config"`
}

// order is the display order of the catalog.
var order = []ExecutionEnvironment{
	CodeExecutor,
	SQLDatabase,
	JupyterNotebook,
	DataVisualization,
	FileAnalysis,
	DiagramEditor,
	TextEditor,
	SpreadsheetEditor,
}

var registry = map[ExecutionEnvironment]descriptor{
	CodeExecutor: {
		label:       "Code Executor",
		description: "Write and run code against automated test cases",
		starterCode: true,
		defaultConfig: func() EnvironmentConfig {
			return &CodeExecutorConfig{
				TimeoutSeconds:  10,
				MemoryLimitMB:   256,
				AllowedPackages: []string{},
			}
		},
	},
	SQLDatabase: {
		label:       "SQL Database",
		description: "Query a seeded relational database",
		starterCode: true,
		defaultConfig: func() EnvironmentConfig {
			return &SQLDatabaseConfig{
				DatabaseType: "postgresql",
				QueryTimeout: 30,
				MaxRows:      1000,
			}
		},
	},
	JupyterNotebook: {
		label:       "Jupyter Notebook",
		description: "Explore data in an interactive notebook",
		starterCode: true,
		defaultConfig: func() EnvironmentConfig {
			return &JupyterNotebookConfig{
				Kernel:               "python3",
				PreinstalledPackages: []string{"pandas", "numpy", "matplotlib"},
				ExecutionTimeout:     60,
			}
		},
	},
	DataVisualization: {
		label:       "Data Visualization",
		description: "Build charts from a provided dataset",
		starterCode: true,
		defaultConfig: func() EnvironmentConfig {
			return &DataVisualizationConfig{
				Library:             "matplotlib",
				SupportedChartTypes: []string{"bar", "line", "scatter", "pie"},
			}
		},
	},
	FileAnalysis: {
		label:       "File Analysis",
		description: "Analyze uploaded files and report findings",
		starterCode: true,
		defaultConfig: func() EnvironmentConfig {
			return &FileAnalysisConfig{
				AllowedFileTypes: []string{"csv", "xlsx", "json"},
				MaxFileSizeMB:    10,
			}
		},
	},
	DiagramEditor: {
		label:       "Diagram Editor",
		description: "Model processes and systems as diagrams",
		defaultConfig: func() EnvironmentConfig {
			return &DiagramEditorConfig{
				SupportedFormats: []string{"bpmn", "uml", "flowchart"},
				MaxElements:      100,
				ValidationMode:   "structure",
			}
		},
	},
	TextEditor: {
		label:       "Text Editor",
		description: "Write structured text such as requirements or user stories",
		defaultConfig: func() EnvironmentConfig {
			return &TextEditorConfig{
				Format:   "markdown",
				MaxWords: 2000,
			}
		},
	},
	SpreadsheetEditor: {
		label:       "Spreadsheet Editor",
		description: "Work with tabular data and formulas",
		defaultConfig: func() EnvironmentConfig {
			return &SpreadsheetEditorConfig{
				AllowFormulas: true,
				MaxRows:       1000,
				MaxColumns:    26,
			}
		},
	},
}

var compatibility = map[Category][]ExecutionEnvironment{
	CategoryDeveloper: {
		CodeExecutor,
		SQLDatabase,
		JupyterNotebook,
		DataVisualization,
		FileAnalysis,
		TextEditor,
	},
	CategoryBusinessAnalyst: {
		SQLDatabase,
		SpreadsheetEditor,
		DiagramEditor,
		TextEditor,
		DataVisualization,
		FileAnalysis,
	},
	CategoryDataAnalyst: {
		JupyterNotebook,
		SQLDatabase,
		DataVisualization,
		FileAnalysis,
		SpreadsheetEditor,
		CodeExecutor,
	},
}

// IsKnown reports whether env is registered.
func (e ExecutionEnvironment) IsKnown() bool {
	_, ok := registry[e]
	return ok
}

// DefaultConfig returns a freshly allocated default configuration for env.
// Unknown kinds yield an empty GenericConfig.
func DefaultConfig(env ExecutionEnvironment) EnvironmentConfig {
	d, ok := registry[env]
	if !ok {
		return &GenericConfig{Kind: env, Values: map[string]any{}}
	}
	return d.defaultConfig()
}

// CompatibleEnvironments lists the environments usable in exercises of the
// given category. Unknown categories fall back to the code executor.
func CompatibleEnvironments(category Category) []ExecutionEnvironment {
	envs, ok := compatibility[category]
	if !ok {
		return []ExecutionEnvironment{CodeExecutor}
	}
	out := make([]ExecutionEnvironment, len(envs))
	copy(out, envs)
	return out
}

// IsCompatible reports whether env may be used by a challenge of an exercise
// in the given category.
func IsCompatible(category Category, env ExecutionEnvironment) bool {
	for _, e := range CompatibleEnvironments(category) {
		if e == env {
			return true
		}
	}
	return false
}

// Label returns the human readable name of env.
func Label(env ExecutionEnvironment) string {
	if d, ok := registry[env]; ok {
		return d.label
	}
	return string(env)
}

// Description returns a one-line description of env.
func Description(env ExecutionEnvironment) string {
	return registry[env].description
}

// RequiresStarterCode reports whether steps of env need starter code. Editor
// style environments keep their starter content in the environment config.
func RequiresStarterCode(env ExecutionEnvironment) bool {
	d, ok := registry[env]
	if !ok {
		return true
	}
	return d.starterCode
}

// Catalog lists the environments compatible with category. An empty
// category lists every registered environment.
func Catalog(category Category) []Descriptor {
	envs := order
	if category != "" {
		envs = CompatibleEnvironments(category)
	}

	result := make([]Descriptor, 0, len(envs))
	for _, env := range envs {
		d := registry[env]
		result = append(result, Descriptor{
			Environment:   env,
			Label:         d.label,
			Description:   d.description,
			StarterCode:   d.starterCode,
			DefaultConfig: d.defaultConfig(),
		})
	}
	return result
}
