// Copyright (c) 2024 The Gnet Authors. All rights reserved.
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

package fdpool

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"

	errorx "github.com/panjf2000/fdpool/pkg/errors"
)

// admission caps how many transfers each descriptor accepts per window.
type admission struct {
	limiter *catrate.Limiter
}

func newAdmission(rates map[time.Duration]int) (a *admission, err error) {
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("fdpool: invalid admission rates %v: %v", rates, r)
		}
	}()
	return &admission{limiter: catrate.NewLimiter(rates)}, nil
}

// admit registers one transfer for fd, or reports when fd may take the next one.
func (a *admission) admit(fd int) error {
	next, ok := a.limiter.Allow(fd)
	if ok {
		return nil
	}
	return fmt.Errorf("%w: descriptor %d until %s", errorx.ErrRateLimited, fd, next.Format(time.RFC3339Nano))
}
