/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of demandas-cache.
 *
 * demandas-cache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * demandas-cache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gerenciador-demandas/demandas-cache/pkg/mlog"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serverFlags struct {
	c         string
	dir       string
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "demandas-cache",
	Short: "Bounded in-memory caches for the demandas backend.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the cache server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	_ = fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the cache server as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer runs the server until it receives SIGINT or SIGTERM,
// or a fatal error occurs.
func StartServer(sf *serverFlags) error {
	s, err := NewServerFromFlags(sf)
	if err != nil {
		return err
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		sig := <-c
		s.logger.Warn("signal received", zap.Stringer("signal", sig))
		s.CloseWithErr(nil)
	}()

	<-s.sc.ReceiveCloseSignal()
	s.sc.CloseWait()
	return s.sc.Err()
}

func NewServerFromFlags(sf *serverFlags) (*Server, error) {
	if len(sf.dir) > 0 {
		if err := os.Chdir(sf.dir); err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	switch {
	case errors.Is(err, errNoConfigFile):
		mlog.L().Info("no config file found, using default caches")
		cfg = new(Config)
	case err != nil:
		return nil, fmt.Errorf("fail to load config, %w", err)
	default:
		mlog.L().Info("main config loaded", zap.String("file", fileUsed))
	}

	lg, err := mlog.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger, %w", err)
	}
	return NewServer(cfg, lg)
}
