package job

import (
	"fmt"
	"os"
	"path/filepath"
	"reconstructor/internal/stage"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stage names, in execution order.
const (
	StagePreprocess = "preprocess"
	StageFit        = "fit"
	StageExport     = "export"
)

// Placeholders substituted into stage arguments.
const (
	PlaceholderInput    = "{input}"    // downloaded input file
	PlaceholderData     = "{data}"     // preprocessing output directory
	PlaceholderOutput   = "{output}"   // fit and export output directory
	PlaceholderConfig   = "{config}"   // located fitted-model configuration
	PlaceholderArtifact = "{artifact}" // artifact file name
)

// StageCommand is one external program and its argument template.
type StageCommand struct {
	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`
}

// Contract is the command-line contract with the reconstruction tool chain.
type Contract struct {
	Preprocess StageCommand `yaml:"preprocess"`
	Fit        StageCommand `yaml:"fit"`
	Export     StageCommand `yaml:"export"`

	// RunsDir is where fit writes its timestamped runs, relative to the output zone.
	RunsDir string `yaml:"runsDir"`
	// ConfigName is the file inside a run that export loads.
	ConfigName string `yaml:"configName"`
	// ArtifactName is the file export writes into the output zone.
	ArtifactName string `yaml:"artifactName"`
}

// DefaultContract returns the nerfstudio splatfacto tool chain.
func DefaultContract() Contract {
	return Contract{
		Preprocess: StageCommand{
			Program: "ns-process-data",
			Args:    []string{"video", "--data", PlaceholderInput, "--output-dir", PlaceholderData, "--verbose"},
		},
		Fit: StageCommand{
			Program: "ns-train",
			Args: []string{
				"splatfacto",
				"--data", PlaceholderData,
				"--output-dir", PlaceholderOutput,
				"--vis", "none",
				"--max-num-iterations", "5000",
				"--pipeline.model.sh-degree", "0",
			},
		},
		Export: StageCommand{
			Program: "ns-export",
			Args: []string{
				"gaussian-splat",
				"--load-config", PlaceholderConfig,
				"--output-dir", PlaceholderOutput,
				"--output-name", PlaceholderArtifact,
			},
		},
		RunsDir:      "splatfacto",
		ConfigName:   "config.yml",
		ArtifactName: "splat.ply",
	}
}

// LoadContract reads a YAML contract from path over the defaults. An empty
// path returns the defaults.
func LoadContract(path string) (Contract, error) {
	c := DefaultContract()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Contract{}, fmt.Errorf("read stage contract: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Contract{}, fmt.Errorf("parse stage contract %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Contract{}, fmt.Errorf("stage contract %s: %w", path, err)
	}
	return c, nil
}

// Validate checks every stage has a program and the output names are plain
// relative paths.
func (c Contract) Validate() error {
	stages := []struct {
		name string
		cmd  StageCommand
	}{
		{StagePreprocess, c.Preprocess},
		{StageFit, c.Fit},
		{StageExport, c.Export},
	}
	for _, s := range stages {
		if strings.TrimSpace(s.cmd.Program) == "" {
			return fmt.Errorf("%s: program is required", s.name)
		}
	}
	if !isLocalName(c.RunsDir) {
		return fmt.Errorf("runsDir must be a relative path inside the output directory, got %q", c.RunsDir)
	}
	if c.ConfigName == "" || strings.ContainsRune(c.ConfigName, filepath.Separator) {
		return fmt.Errorf("configName must be a file name, got %q", c.ConfigName)
	}
	if c.ArtifactName == "" || strings.ContainsRune(c.ArtifactName, filepath.Separator) {
		return fmt.Errorf("artifactName must be a file name, got %q", c.ArtifactName)
	}
	return nil
}

// ArtifactExt returns the artifact extension without the dot, "bin" if it has none.
func (c Contract) ArtifactExt() string {
	ext := strings.TrimPrefix(filepath.Ext(c.ArtifactName), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}

// Bindings are the concrete values for one job's placeholders.
type Bindings struct {
	Input    string
	Data     string
	Output   string
	Config   string
	Artifact string
}

// Invocation expands the command's argument template for one job.
func (s StageCommand) Invocation(name, dir string, b Bindings) stage.Invocation {
	r := strings.NewReplacer(
		PlaceholderInput, b.Input,
		PlaceholderData, b.Data,
		PlaceholderOutput, b.Output,
		PlaceholderConfig, b.Config,
		PlaceholderArtifact, b.Artifact,
	)
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = r.Replace(a)
	}
	return stage.Invocation{
		Name:    name,
		Program: s.Program,
		Args:    args,
		Dir:     dir,
	}
}

func isLocalName(p string) bool {
	return p != "" && filepath.IsLocal(p)
}
