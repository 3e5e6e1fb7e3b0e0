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

// Package logrusadapter implements the log.Logger interface on top of
// logrus, the structured logger the rest of the ambient stack (CLI,
// httpsvc, acceptor) uses directly.
package logrusadapter

import (
	"github.com/relayproxy/core/internal/log"
	"github.com/sirupsen/logrus"
)

// New returns a log.Logger backed by entry. Verbosity levels above 0
// are logged at Debug; level 0 (the default InfoLogger surface) logs
// at Info.
func New(entry *logrus.Entry) log.Logger {
	return &adapter{entry: entry}
}

type adapter struct {
	entry *logrus.Entry
	level int
}

func (a *adapter) Infof(format string, args ...interface{}) {
	if a.level > 0 {
		a.entry.Debugf(format, args...)
		return
	}
	a.entry.Infof(format, args...)
}

func (a *adapter) Error(args ...interface{}) {
	a.entry.Error(args...)
}

func (a *adapter) Errorf(format string, args ...interface{}) {
	a.entry.Errorf(format, args...)
}

func (a *adapter) V(level int) log.InfoLogger {
	return &adapter{entry: a.entry, level: level}
}

func (a *adapter) WithPrefix(prefix string) log.Logger {
	return &adapter{entry: a.entry.WithField("component", prefix), level: a.level}
}
