/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package discovery keeps a remote service admin's imports in sync with a
// YAML endpoint file. The file lists the endpoints other hosts' frameworks
// export; edits to it import new endpoints and withdraw vanished ones.
package discovery

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/rsa"
)

// Importer is the slice of the admin the watcher drives.
type Importer interface {
	ImportService(desc *endpoint.Description) (*rsa.ImportRegistration, error)
	UnimportService(r *rsa.ImportRegistration)
}

// fileEndpoint is one entry of the endpoint file.
type fileEndpoint struct {
	ID            string            `yaml:"id"`
	ServiceName   string            `yaml:"serviceName"`
	ServiceID     int64             `yaml:"serviceId"`
	FrameworkUUID string            `yaml:"frameworkUuid"`
	ServerName    string            `yaml:"serverName"`
	Configs       string            `yaml:"configs"`
	Properties    map[string]string `yaml:"properties"`
}

type endpointFile struct {
	Endpoints []fileEndpoint `yaml:"endpoints"`
}

// description builds the endpoint description an entry stands for. Entries
// without a configs list get the admin's stock shm + JSON pair.
func (e fileEndpoint) description() (*endpoint.Description, error) {
	props := endpoint.NewProperties()
	for k, v := range e.Properties {
		props.Set(k, v)
	}
	props.Set(endpoint.KeyServiceName, e.ServiceName)
	props.Set(endpoint.KeyEndpointID, e.ID)
	props.Set(endpoint.KeyFrameworkUUID, e.FrameworkUUID)
	props.SetInt64(endpoint.KeyServiceID, e.ServiceID)
	configs := e.Configs
	if configs == "" {
		configs = rsa.ConfigType + "," + rsa.DefaultRPCType
	}
	props.Set(endpoint.KeyImportedConfigs, configs)
	props.Set(endpoint.KeyServerName, e.ServerName)
	return endpoint.NewDescription(props)
}

func readEndpointFile(path string) ([]fileEndpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed endpointFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "discovery: parse %s: %v", path, err)
	}
	return parsed.Endpoints, nil
}

// Watcher mirrors an endpoint file into admin imports. It reads the file
// once on startup and again on every change; endpoint ids present in the
// file and not yet imported are imported, ids no longer present are
// unimported. A file that fails to parse keeps the previous imports, a
// missing file means no endpoints.
type Watcher struct {
	log     logrus.FieldLogger
	imp     Importer
	path    string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	active map[string]*rsa.ImportRegistration

	closeOnce sync.Once
	done      chan struct{}
}

// New starts watching the endpoint file at path. The parent directory is
// watched rather than the file itself so replace-by-rename edits are seen;
// it must exist.
func New(log logrus.FieldLogger, imp Importer, path string) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if imp == nil {
		return nil, status.Error(codes.InvalidArgument, "discovery: nil importer")
	}
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "discovery: empty endpoint file path")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "discovery: start watcher: %v", err)
	}
	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, status.Errorf(codes.Internal, "discovery: watch %s: %v", filepath.Dir(path), err)
	}

	w := &Watcher{
		log:     log.WithField("file", path),
		imp:     imp,
		path:    path,
		watcher: fw,
		active:  make(map[string]*rsa.ImportRegistration),
		done:    make(chan struct{}),
	}
	w.sync()
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.sync()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Endpoint file watcher error")
		}
	}
}

// sync reconciles the admin's imports with the file's current content.
func (w *Watcher) sync() {
	entries, err := readEndpointFile(w.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.WithError(err).Warn("Cannot read endpoint file, keeping previous imports")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		desc, err := e.description()
		if err != nil {
			w.log.WithError(err).WithField("endpoint", e.ID).Warn("Skipping invalid endpoint entry")
			continue
		}
		seen[desc.ID] = struct{}{}
		if _, ok := w.active[desc.ID]; ok {
			continue
		}
		r, err := w.imp.ImportService(desc)
		if err != nil {
			w.log.WithError(err).WithField("endpoint", desc.ID).Warn("Cannot import discovered endpoint")
			continue
		}
		w.active[desc.ID] = r
		w.log.WithFields(logrus.Fields{
			"endpoint": desc.ID,
			"service":  desc.ServiceName,
			"server":   desc.Properties.Get(endpoint.KeyServerName, ""),
		}).Info("Imported discovered endpoint")
	}
	for id, r := range w.active {
		if _, ok := seen[id]; ok {
			continue
		}
		w.imp.UnimportService(r)
		delete(w.active, id)
		w.log.WithField("endpoint", id).Info("Unimported vanished endpoint")
	}
}

// Active returns the endpoint ids currently imported from the file.
func (w *Watcher) Active() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

// Close stops watching and unimports everything the watcher imported.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		for id, r := range w.active {
			w.imp.UnimportService(r)
			delete(w.active, id)
		}
	})
	return err
}
