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
	"fmt"
	"os"
	"path/filepath"

	"github.com/gerenciador-demandas/demandas-cache/pkg/mlog"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	svc    service.Service
	svcCfg = &service.Config{
		Name:        "demandas-cache",
		DisplayName: "demandas-cache",
		Description: "Bounded in-memory caches for the demandas backend.",
	}
)

type serverService struct {
	f *serverFlags
	s *Server
}

func (ss *serverService) Start(_ service.Service) error {
	s, err := NewServerFromFlags(ss.f)
	if err != nil {
		return err
	}
	ss.s = s
	go func() {
		<-s.sc.ReceiveCloseSignal()
		s.sc.CloseWait()
		if err := s.sc.Err(); err != nil {
			mlog.L().Fatal("server exited", zap.Error(err))
		}
		os.Exit(0)
	}()
	return nil
}

func (ss *serverService) Stop(_ service.Service) error {
	if ss.s == nil {
		return nil
	}
	ss.s.CloseWithErr(nil)
	ss.s.sc.CloseWait()
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install the cache server as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working dir, %w", err)
				}
				sf.dir = wd
			}
			if !filepath.IsAbs(sf.dir) {
				abs, err := filepath.Abs(sf.dir)
				if err != nil {
					return fmt.Errorf("failed to get abs path, %w", err)
				}
				sf.dir = abs
			}
			svcCfg.Arguments = []string{"start", "--as-service", "-d", sf.dir}
			if len(sf.c) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", sf.c)
			}
			s, err := service.New(&serverService{f: sf}, svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the cache server from system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the cache server system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the cache server system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the cache server system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of the cache server system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return err
			}
			switch s {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
		SilenceUsage: true,
	}
}
