// Copyright 2025 Edgeo SCADA
//
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

package bacnet

import (
	"log/slog"
	"time"
)

// Defaults for the transport tunables
const (
	DefaultMessageTimeout = 1000 * time.Millisecond
	DefaultMessageRetries = 3
	DefaultWorkerPoolSize = 64
)

// transportOptions holds configuration for the transport
type transportOptions struct {
	// Retransmission
	messageTimeout time.Duration
	messageRetries int

	// Worker pool for sends and listener callbacks
	poolSize int

	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// defaultOptions returns the default transport options
func defaultOptions() *transportOptions {
	return &transportOptions{
		messageTimeout: DefaultMessageTimeout,
		messageRetries: DefaultMessageRetries,
		poolSize:       DefaultWorkerPoolSize,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// Option is a functional option for configuring the transport
type Option func(*transportOptions)

// WithMessageTimeout sets how long to wait for an answer before a confirmed
// request is sent again
func WithMessageTimeout(d time.Duration) Option {
	return func(o *transportOptions) {
		if d > 0 {
			o.messageTimeout = d
		}
	}
}

// WithMessageRetries sets how many times a confirmed request is sent in
// total before it fails with ErrTimeout
func WithMessageRetries(n int) Option {
	return func(o *transportOptions) {
		if n > 0 {
			o.messageRetries = n
		}
	}
}

// WithWorkerPoolSize sets the number of workers used for sends and
// listener callbacks
func WithWorkerPoolSize(n int) Option {
	return func(o *transportOptions) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithMetrics shares a metrics set between transports
func WithMetrics(m *Metrics) Option {
	return func(o *transportOptions) {
		o.metrics = m
	}
}

// WithLogger sets the logger for the transport
func WithLogger(logger *slog.Logger) Option {
	return func(o *transportOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

