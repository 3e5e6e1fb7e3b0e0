// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/relayproxy/core/internal/acl"
	"github.com/relayproxy/core/internal/build"
	"github.com/relayproxy/core/internal/log/logrusadapter"
	"github.com/relayproxy/core/internal/remap"
	"github.com/relayproxy/core/internal/vhost"
	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.StandardLogger()

	app := kingpin.New("relayd", "relayproxy request admission and routing core.")
	app.HelpFlag.Short('h')

	serveCmd := app.Command("serve", "Start the relayd server.")
	configPath := serveCmd.Flag("config", "Path to the relayd YAML config file.").Short('c').Required().String()
	debug := serveCmd.Flag("debug", "Enable debug logging.").Bool()

	validateCmd := app.Command("validate", "Validate a remap/virtual-host config without serving.")
	remapPath := validateCmd.Flag("remap", "Path to remap.config.").Required().String()
	vhostPath := validateCmd.Flag("vhost", "Path to vhost.yaml.").String()
	aclPolicyFlag := validateCmd.Flag("acl-policy", "ACL behavior policy (legacy|modern).").Default("modern").String()

	versionCmd := app.Command("version", "Print build information.")

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case serveCmd.FullCommand():
		if *debug {
			logger.SetLevel(logrus.DebugLevel)
		}
		log := logrusadapter.New(logger.WithField("context", "relayd"))
		if err := doServeCommand(*configPath, logger); err != nil {
			log.Errorf("relayd serve failed: %v", err)
			os.Exit(1)
		}
	case validateCmd.FullCommand():
		if err := doValidate(*remapPath, *vhostPath, *aclPolicyFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case versionCmd.FullCommand():
		fmt.Print(build.PrintBuildInfo())
	default:
		app.Usage(os.Args[1:])
		os.Exit(2)
	}
}

func doServeCommand(configPath string, logger *logrus.Logger) error {
	ctx := newServeContext()
	if err := ctx.parseConfigFile(configPath); err != nil {
		return err
	}
	if err := ctx.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s := NewServer(logger, ctx)
	if err := s.loadInitialConfig(ctx); err != nil {
		return err
	}

	watch, err := watchConfigFiles(s, ctx, logger)
	if err != nil {
		return fmt.Errorf("setting up config watcher: %w", err)
	}
	defer watch.Close()

	return s.doServe(ctx)
}

// doValidate parses the named files without publishing anything,
// printing each ParseError/LoadRejectedError with its file and line.
func doValidate(remapPath, vhostPath, policyName string) error {
	policy, ok := acl.ParsePolicy(policyName)
	if !ok {
		return fmt.Errorf("invalid --acl-policy %q", policyName)
	}
	cfg := remap.ParserConfig{ACLPolicy: policy}

	if _, err := remap.ParseFile(remapPath, cfg); err != nil {
		return reportValidationError(remapPath, err)
	}
	fmt.Printf("%s: OK\n", remapPath)

	if vhostPath != "" {
		if _, err := vhost.Load(vhostPath, cfg); err != nil {
			return reportValidationError(vhostPath, err)
		}
		fmt.Printf("%s: OK\n", vhostPath)
	}

	return nil
}

func reportValidationError(path string, err error) error {
	var parseErr *remap.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Errorf("%s:%d: %s", parseErr.File, parseErr.Line, parseErr.Reason)
	}
	var rejectedErr *remap.LoadRejectedError
	if errors.As(err, &rejectedErr) {
		return fmt.Errorf("%s: rejected: %s", path, rejectedErr.Reason)
	}
	return fmt.Errorf("%s: %w", path, err)
}
