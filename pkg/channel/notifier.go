// Copyright 2025 Lumastream
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

package channel

import (
	"encoding/json"

	"github.com/lumastream/sfu/pkg/logger"
)

// Notifier is the single uplink for unsolicited events. Every event names a
// target entity (the subject's id) and an event name; payload is optional.
type Notifier struct {
	logger logger.Logger
	send   func(body []byte)
}

func NewNotifier(send func(body []byte), logger logger.Logger) *Notifier {
	return &Notifier{
		logger: logger,
		send:   send,
	}
}

type notification struct {
	TargetID string      `json:"targetId"`
	Event    string      `json:"event"`
	Data     interface{} `json:"data,omitempty"`
}

func (n *Notifier) Emit(targetID string, event string, data interface{}) {
	body, err := json.Marshal(notification{TargetID: targetID, Event: event, Data: data})
	if err != nil {
		n.logger.Errorw("could not marshal notification", err, "event", event)
		return
	}
	if n.send != nil {
		n.send(body)
	}
}
