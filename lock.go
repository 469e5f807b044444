/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settle

import (
	"context"
	"fmt"
	"time"

	redlock "github.com/blnkfinance/settle/internal/lock"
	"github.com/blnkfinance/settle/model"
	"github.com/sirupsen/logrus"
)

// leaseMargin is added to the slowest downstream call when sizing a step lease.
const leaseMargin = 5 * time.Second

// operationLease is the Redis lease held while a saga walk runs. It is renewed
// before every step, so a walk of any length stays covered as long as each
// single step fits in ttl.
type operationLease struct {
	locker *redlock.Locker
	ttl    time.Duration
}

// stepLeaseTTL is lock.ttl_ms, raised to cover one ledger or CIP call at its
// configured timeout.
func (s *Settle) stepLeaseTTL() time.Duration {
	ttl := s.config.Lock.LockTTL()
	for _, timeout := range []time.Duration{s.config.Ledger.Timeout(), s.config.CIP.Timeout()} {
		if timeout+leaseMargin > ttl {
			ttl = timeout + leaseMargin
		}
	}
	return ttl
}

// acquireOperationLock takes the lease of a saga operation, waiting at most
// lock.wait_ms. The caller must defer release.
func (s *Settle) acquireOperationLock(ctx context.Context, class model.SagaClass, operationID string) (*operationLease, error) {
	lease := &operationLease{
		locker: redlock.NewLocker(s.redis, redlock.Key(string(class), operationID), model.GenerateUUIDWithSuffix("lock")),
		ttl:    s.stepLeaseTTL(),
	}
	if err := lease.locker.WaitLock(ctx, lease.ttl, s.config.Lock.LockWait()); err != nil {
		return nil, err
	}
	return lease, nil
}

// renew resets the lease to its full ttl. It fails with redlock.ErrNotHolder
// once the lease expired and may belong to another worker; the walk must stop.
func (l *operationLease) renew(ctx context.Context, step string) error {
	if err := l.locker.ExtendLock(ctx, l.ttl); err != nil {
		return fmt.Errorf("renewing lease before %s: %w", step, err)
	}
	return nil
}

// release runs on a fresh context so a cancelled request still frees the lease.
func (l *operationLease) release() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.locker.Unlock(releaseCtx); err != nil {
		logrus.WithError(err).WithField("lock", l.locker.Key()).Warn("failed to release operation lock")
	}
}
