package job

import (
	"context"
	"time"

	"tontinepay/internal/infrastructure/lock"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// maintenanceGuard lets one instance at a time run a sweep. Without Redis
// every instance sweeps; the sweeps are compare-and-set and tolerate that.
type maintenanceGuard struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func (g maintenanceGuard) run(ctx context.Context, name string, sweep func(context.Context)) {
	if g.client == nil {
		sweep(ctx)
		return
	}

	l := lock.NewMaintenanceLock(g.client, name, g.ttl)
	ok, err := l.TryLock(ctx)
	if err != nil {
		g.log.Warn("maintenance lock unavailable, skipping sweep", zap.String("job", name), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			g.log.Warn("release maintenance lock", zap.String("job", name), zap.Error(err))
		}
	}()
	sweep(ctx)
}
