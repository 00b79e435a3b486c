package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisRegistry keeps positions in a GEO set and presence metadata in one
// hash per driver, so several server replicas share one view of the fleet.
type RedisRegistry struct {
	client  redis.UniversalClient
	key     string
	radiusM float64
}

func NewRedisRegistry(client redis.UniversalClient, key string, radiusM float64) *RedisRegistry {
	if radiusM <= 0 {
		radiusM = 10000
	}
	return &RedisRegistry{client: client, key: key, radiusM: radiusM}
}

func (r *RedisRegistry) Upsert(ctx context.Context, p models.DriverPresence) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID})
		pipe.HSet(ctx, MetaKey(p.DriverID), presenceFields(p))
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert presence %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisRegistry) SetOffline(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.key, driverID)
		pipe.HSet(ctx, MetaKey(driverID), "online", "false")
		return nil
	})
	if err != nil {
		return fmt.Errorf("set offline %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error) {
	m, err := r.client.HGetAll(ctx, MetaKey(driverID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.DriverPresence{}, false, nil
		}
		return models.DriverPresence{}, false, fmt.Errorf("get presence %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.DriverPresence{}, false, nil
	}
	p, err := ParsePresence(driverID, m)
	if err != nil {
		return models.DriverPresence{}, false, err
	}
	return p, true, nil
}

// Nearby over-fetches from the GEO set because recency and category are
// filtered on the metadata afterwards. The window doubles until Limit drivers
// match or the radius holds no more members. Drivers outside the configured
// radius are never returned.
func (r *RedisRegistry) Nearby(ctx context.Context, q NearbyQuery) ([]models.DriverPresence, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	out := make([]models.DriverPresence, 0, limit)
	seen := make(map[string]struct{})
	for count := limit * 5; ; count *= 2 {
		res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  q.Center.Lon,
				Latitude:   q.Center.Lat,
				Radius:     r.radiusM,
				RadiusUnit: "m",
				Sort:       "ASC",
				Count:      count,
			},
			WithCoord: true,
			WithDist:  true,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("geo search: %w", err)
		}
		for _, g := range res {
			if len(out) == limit {
				return out, nil
			}
			if _, ok := seen[g.Name]; ok {
				continue
			}
			seen[g.Name] = struct{}{}
			m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
			if err != nil || len(m) == 0 {
				continue
			}
			p, err := ParsePresence(g.Name, m)
			if err != nil {
				continue
			}
			p.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
			if !q.matches(p) {
				continue
			}
			out = append(out, p)
		}
		if len(out) == limit || len(res) < count {
			return out, nil
		}
	}
}

// touchScript refreshes position and last_seen of an existing driver without
// touching the online flag. Only online drivers are put back in the GEO set.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'lat', ARGV[1], 'lng', ARGV[2], 'last_seen', ARGV[3])
if redis.call('HGET', KEYS[2], 'online') == 'true' then
  redis.call('GEOADD', KEYS[1], ARGV[2], ARGV[1], ARGV[4])
end
return 1
`)

func (r *RedisRegistry) Touch(ctx context.Context, driverID string, loc models.Coord, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, r.client, []string{r.key, MetaKey(driverID)},
		strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		strconv.FormatFloat(loc.Lon, 'f', -1, 64),
		strconv.FormatInt(at.UnixMilli(), 10),
		driverID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("touch presence %s: %w", driverID, err)
	}
	return n == 1, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

func presenceFields(p models.DriverPresence) map[string]any {
	return map[string]any{
		"online":    strconv.FormatBool(p.Online),
		"lat":       strconv.FormatFloat(p.Loc.Lat, 'f', -1, 64),
		"lng":       strconv.FormatFloat(p.Loc.Lon, 'f', -1, 64),
		"category":  string(p.VehicleCategory),
		"last_seen": strconv.FormatInt(p.LastSeenAt.UnixMilli(), 10),
	}
}

// ParsePresence decodes the metadata hash written by Upsert.
func ParsePresence(driverID string, m map[string]string) (models.DriverPresence, error) {
	p := models.DriverPresence{
		DriverID:        driverID,
		Online:          m["online"] == "true",
		VehicleCategory: models.VehicleCategory(m["category"]),
	}
	var err error
	if v, ok := m["lat"]; ok {
		if p.Loc.Lat, err = strconv.ParseFloat(v, 64); err != nil {
			return p, fmt.Errorf("presence %s lat: %w", driverID, err)
		}
	}
	if v, ok := m["lng"]; ok {
		if p.Loc.Lon, err = strconv.ParseFloat(v, 64); err != nil {
			return p, fmt.Errorf("presence %s lng: %w", driverID, err)
		}
	}
	if v, ok := m["last_seen"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("presence %s last_seen: %w", driverID, err)
		}
		p.LastSeenAt = time.UnixMilli(ms).UTC()
	}
	return p, nil
}
