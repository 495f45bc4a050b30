package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/foundry/depot"
	"github.com/foundry/depot/internal/config"
	"github.com/foundry/depot/internal/util/logging"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "resolve":
		cmdResolve(args)
	case "install":
		cmdInstall(args)
	case "deploy":
		cmdDeploy(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Depot CLI

Usage:
  depot resolve <group:artifact:ext[:classifier]:version> [options]
  depot install <group:artifact:ext[:classifier]:version> <file> [options]
  depot deploy <group:artifact:ext[:classifier]:version> <file> <remote-id> [options]

Options:
  --config <file>     Config file path (default: config.yaml)
  --context <name>    Request context (default: cli)
  --offline           Do not contact remote repositories
  --verbose           Log component activity`)
}

// parseFlags extracts --key value pairs and bare --switches from args.
func parseFlags(args []string) (positional []string, flags map[string]string) {
	flags = make(map[string]string)
	switches := map[string]bool{"offline": true, "verbose": true}
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") {
			name := strings.TrimPrefix(args[i], "--")
			if switches[name] {
				flags[name] = "true"
			} else if i+1 < len(args) {
				flags[name] = args[i+1]
				i++
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return
}

func getFlag(flags map[string]string, key, def string) string {
	if v, ok := flags[key]; ok {
		return v
	}
	return def
}

// parseCoordinates parses group:artifact:ext[:classifier]:version.
func parseCoordinates(coords string) (depot.Artifact, error) {
	parts := strings.Split(coords, ":")
	switch len(parts) {
	case 4:
		return depot.Artifact{
			GroupID: parts[0], ArtifactID: parts[1], Extension: parts[2], Version: parts[3],
		}, nil
	case 5:
		return depot.Artifact{
			GroupID: parts[0], ArtifactID: parts[1], Extension: parts[2],
			Classifier: parts[3], Version: parts[4],
		}, nil
	default:
		return depot.Artifact{}, fmt.Errorf("invalid coordinates %q, want group:artifact:ext[:classifier]:version", coords)
	}
}

func setup(flags map[string]string) (*depot.System, *depot.Session, *config.Config) {
	cfg, err := config.Load(getFlag(flags, "config", "config.yaml"))
	if err != nil {
		fatal(err)
	}

	logger := logging.Nop()
	if flags["verbose"] == "true" {
		logger = logging.New(os.Stderr)
	}

	sys := depot.New(depot.WithLogger(logger))
	sess := sys.NewSession(cfg.Local.Basedir)
	sess.Offline = cfg.Offline || flags["offline"] == "true"
	return sys, sess, cfg
}

func cmdResolve(args []string) {
	positional, flags := parseFlags(args)
	if len(positional) != 1 {
		printUsage()
		os.Exit(1)
	}
	artifact, err := parseCoordinates(positional[0])
	if err != nil {
		fatal(err)
	}

	sys, sess, cfg := setup(flags)

	results, err := sys.ResolveArtifacts(sess, []*depot.ArtifactRequest{{
		Artifact:     artifact,
		Repositories: cfg.Repositories(),
		Context:      getFlag(flags, "context", "cli"),
	}})
	if err != nil {
		for _, result := range results {
			for _, resolveErr := range result.Exceptions {
				fmt.Fprintf(os.Stderr, "error: %v\n", resolveErr)
			}
		}
		os.Exit(1)
	}
	fmt.Println(results[0].Artifact.File)
}

func cmdInstall(args []string) {
	positional, flags := parseFlags(args)
	if len(positional) != 2 {
		printUsage()
		os.Exit(1)
	}
	artifact, err := parseCoordinates(positional[0])
	if err != nil {
		fatal(err)
	}
	artifact = artifact.WithFile(positional[1])

	sys, sess, _ := setup(flags)

	result, err := sys.Install(sess, depot.InstallRequest{Artifacts: []depot.Artifact{artifact}})
	if err != nil {
		fatal(err)
	}
	fmt.Println(result.Artifacts[0].File)
}

func cmdDeploy(args []string) {
	positional, flags := parseFlags(args)
	if len(positional) != 3 {
		printUsage()
		os.Exit(1)
	}
	artifact, err := parseCoordinates(positional[0])
	if err != nil {
		fatal(err)
	}
	artifact = artifact.WithFile(positional[1])

	sys, sess, cfg := setup(flags)

	var target *depot.RemoteRepository
	for _, remote := range cfg.Repositories() {
		if remote.ID == positional[2] {
			target = remote
			break
		}
	}
	if target == nil {
		fatal(fmt.Errorf("remote %q not configured", positional[2]))
	}

	if _, err := sys.Deploy(sess, depot.DeployRequest{
		Artifacts:  []depot.Artifact{artifact},
		Repository: target,
	}); err != nil {
		fatal(err)
	}
	fmt.Printf("deployed %s to %s\n", positional[0], target.ID)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
