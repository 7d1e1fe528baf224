package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/debstage/debstage/internal/aptrepo"
	"github.com/debstage/debstage/internal/config"
	"github.com/debstage/debstage/internal/events"
	"github.com/debstage/debstage/internal/extract"
	"github.com/debstage/debstage/internal/fetcher"
	"github.com/debstage/debstage/internal/layer"
	"github.com/debstage/debstage/internal/logger"
	"github.com/debstage/debstage/internal/network"
	"github.com/debstage/debstage/internal/resolver"
)

var (
	cacheDirOverride string
	noProgress       bool
)

// createInstallCommand creates the install subcommand
func createInstallCommand() *cobra.Command {
	installCmd := &cobra.Command{
		Use:   "install [flags] REQUEST_FILE",
		Short: "Resolve, download, verify and stage the requested packages",
		Long: `Resolve the requested packages and their dependencies against the
configured repositories, download and verify every archive, and extract the
set into the layer cache. A layer whose fingerprint already matches the
resolved set is reused without any network traffic.`,
		Args: cobra.ExactArgs(1),
		RunE: executeInstall,
	}

	installCmd.Flags().StringVar(&cacheDirOverride, "cache-dir", "", "override the layer cache directory")
	installCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
	return installCmd
}

// executeInstall handles the install command logic
func executeInstall(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	global, err := config.LoadGlobal(configFile)
	if err != nil {
		return err
	}
	if cacheDirOverride != "" {
		global.CacheDir = cacheDirOverride
	}

	request, err := config.LoadRequest(args[0])
	if err != nil {
		return err
	}
	requests, err := request.ResolverRequests()
	if err != nil {
		return err
	}
	sources, err := request.RepositorySources(global.Architecture)
	if err != nil {
		return err
	}

	var listener events.Listener
	if !noProgress {
		renderer := &progressRenderer{}
		listener = renderer.Listen
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(global.Timeout))
	defer cancel()

	client := network.NewSecureHTTPClient()
	retry := network.RetryPolicy{
		Attempts:    global.Retry.Attempts,
		BackoffBase: time.Duration(global.Retry.BackoffBase),
		BackoffCap:  time.Duration(global.Retry.BackoffCap),
	}
	service := aptrepo.NewService(client, retry)

	listener.Emit(events.ResolutionStarted{Requests: len(requests)})
	indices := make([]*aptrepo.Index, 0, len(sources))
	for _, source := range sources {
		index, err := service.Fetch(ctx, source)
		if err != nil {
			return err
		}
		indices = append(indices, index)
	}

	set, err := resolver.Resolve(requests, indices)
	if err != nil {
		return err
	}
	listener.Emit(events.ResolutionCompleted{Packages: set.Len()})
	log.Infof("resolved %d packages from %d requests", set.Len(), len(requests))

	manager := layer.NewManager(global.CacheDir, global.Architecture, listener)
	configHash := layer.HashConfig(sources, global.Architecture)

	staged, err := manager.Materialize(ctx, set, configHash, func(ctx context.Context, destRoot string) error {
		runDir := filepath.Join(global.WorkDir, "run-"+uuid.NewString())
		defer os.RemoveAll(runDir)

		policy := fetcher.Policy{
			Workers: global.Workers,
			Retry:   retry,
		}
		archives, err := fetcher.New(client, policy, listener).FetchAll(ctx, set, filepath.Join(runDir, "downloads"))
		if err != nil {
			return err
		}
		return extract.New(global.Workers, listener).ExtractAll(ctx, archives, runDir, destRoot)
	})
	if err != nil {
		return err
	}

	if staged.Restored {
		log.Infof("layer restored from cache")
	}
	printLayer(cmd, staged)
	return nil
}

// printLayer reports the staged layer to the user. This is the only
// non-logging output of the command.
func printLayer(cmd *cobra.Command, staged *layer.Layer) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "layer: %s\n", staged.Path)
	fmt.Fprintf(out, "fingerprint: %s\n", staged.Fingerprint)
	fmt.Fprintf(out, "packages: %d\n", len(staged.Packages))
	for _, pkg := range staged.Packages {
		fmt.Fprintf(out, "  %s %s\n", pkg.Name, pkg.Version)
	}

	if len(staged.Env) > 0 {
		names := make([]string, 0, len(staged.Env))
		for name := range staged.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "environment:")
		for _, name := range names {
			fmt.Fprintf(out, "  %s=%s\n", name, staged.Env[name])
		}
	}
}
