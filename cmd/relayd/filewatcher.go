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
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// watchConfigFiles watches the remap, virtual-host, and ip-allow files
// named by ctx and re-parses+republishes whichever one changed. A write
// only refreshes the one affected config slot, rather than restarting
// the whole process; a failed parse keeps the previously published
// snapshot active.
func watchConfigFiles(s *Server, ctx *serveContext, log logrus.FieldLogger) (*fsnotify.Watcher, error) {
	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	paths := map[string]func(){
		ctx.RemapConfigPath: func() { s.reloadRemapTable(ctx) },
		ctx.VirtualHostPath: func() { s.reloadVirtualHostTable(ctx) },
		ctx.IPAllowPath:     func() { s.reloadIPAllow(ctx) },
	}

	go func() {
		for {
			select {
			case err, ok := <-watch.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			case event, ok := <-watch.Events:
				if !ok {
					return
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				reload, known := paths[event.Name]
				if !known {
					continue
				}
				log.WithField("file", event.Name).WithField("op", event.Op.String()).Info("config file changed, reloading")
				reload()
			}
		}
	}()

	for path := range paths {
		if err := watch.Add(path); err != nil {
			watch.Close()
			return nil, err
		}
	}
	return watch, nil
}
