// Copyright (c) 2026 John Earle
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

// Package source fetches raw messages from a mailbox. The pipeline core
// treats retrieval as an external collaborator; these implementations are
// the thin plumbing in front of it.
package source

import (
	"context"
	"time"

	"github.com/stagesync/pipeline/internal/models"
)

// Source lists raw messages received within the lookback window.
type Source interface {
	ListMessages(ctx context.Context, lookback time.Duration) ([]models.RawMessage, error)
}
