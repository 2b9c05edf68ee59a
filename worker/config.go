// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package worker

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// ErrBadConfig is wrapped by LoadConfig for any
// validation failure.
var ErrBadConfig = errors.New("worker: bad config")

// Config is the resolved daemon configuration. Peer
// discovery happens outside the query core; by the time
// a config reaches a worker the peer list is concrete.
type Config struct {
	// ListenPort is the TCP port the mesh accepts peer
	// connections on.
	ListenPort int `json:"listen_port"`
	// Peers are the advertised addresses of the other
	// workers of the cluster. The worker's own address may
	// appear in the list; it is skipped.
	Peers []string `json:"peers"`
	// DataDir, if set, is the directory the daemon scans
	// for input files and writes query results under.
	DataDir string `json:"data_dir,omitempty"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrBadConfig, path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrBadConfig, path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	for _, p := range c.Peers {
		if p == "" {
			return errors.New("empty peer address")
		}
	}
	return nil
}
