package main

import (
	"flag"
	"fmt"
	"os"

	"goa.design/pipeline-core/internal/artifact"
)

// cmdArtifactGet resolves an artifact by id (or by pointer name plus
// --version) out of the shared content-addressed store and writes its raw
// bytes to stdout, with the resolved manifest on stderr for inspection.
func cmdArtifactGet(g globalFlags, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "pipelinecore: artifact get requires <artifact_id>")
		return 64
	}
	id := args[0]

	fs := flag.NewFlagSet("artifact get", flag.ContinueOnError)
	fs.SetOutput(discard{})
	version := fs.String("version", "", "pointer version to resolve id as a name")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: artifact get: %v\n", err)
		return 64
	}

	cfg, err := loadConfig(g.root, g.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: load config: %v\n", err)
		return 64
	}
	if cfg.ProjectRoot == "" || cfg.ProjectRoot == "." {
		cfg.ProjectRoot = g.root
	}

	store := artifact.NewFSStore(artifactRoot(cfg.ProjectRoot))

	resolved := id
	if *version != "" {
		entry, err := resolveByVersion(store, id, *version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pipelinecore: artifact %q@%s: %v\n", id, *version, err)
			return 64
		}
		resolved = entry.ID
	}

	data, err := store.Get(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelinecore: artifact %q: %v\n", resolved, err)
		return 64
	}
	manifest, err := store.Manifest(resolved)
	if err == nil {
		fmt.Fprintf(os.Stderr, "artifact %s kind=%s version=%s status=%s created_by=%s\n",
			manifest.ID, manifest.Kind, manifest.Version, manifest.Status, manifest.CreatedBy)
	}

	os.Stdout.Write(data)
	return 0
}

func resolveByVersion(store artifact.Store, name, version string) (artifact.PointerEntry, error) {
	history, err := store.History(name)
	if err != nil {
		return artifact.PointerEntry{}, err
	}
	for _, e := range history {
		if e.Version == version {
			return e, nil
		}
	}
	return artifact.PointerEntry{}, fmt.Errorf("version %q not found in history of %q", version, name)
}
