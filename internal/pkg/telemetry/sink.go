package telemetry

import (
	"hash/fnv"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/stats"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
)

//Store is the part of the datastore the sink writes to
type Store interface {
	CreateLocationRecord(record *models.LocationRecord) error
	CreateHealthRecord(record *models.HealthRecord) error
	CreateAlarmRecord(record *models.AlarmRecord) error
	UpdateDeviceCache(imei string, update models.DeviceCacheUpdate) error
}

//Publisher receives the records of a batch after they were stored
type Publisher interface {
	Publish(b Batch) error
}

type SinkOptions struct {
	Workers   int
	QueueSize int // per worker
	Locks     *DeviceLocks
	Publisher Publisher
	Log       logging.Logger
	Stat      *stats.Stats
}

//Sink persists batches off the caller's goroutine. Batches of one device always land on the same
//worker, so they are stored in submission order. A full queue drops its oldest batch.
type Sink struct {
	alive  *alive.Alive
	shards []chan Batch
	store  Store
	locks  *DeviceLocks
	pub    Publisher
	log    logging.Logger
	stat   *stats.Stats
}

func NewSink(store Store, opt SinkOptions) *Sink {
	if opt.Workers <= 0 {
		opt.Workers = DefaultWorkers
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	if opt.Locks == nil {
		opt.Locks = NewDeviceLocks()
	}
	if opt.Log == nil {
		opt.Log = logging.NewLogger()
	}
	if opt.Stat == nil {
		opt.Stat = stats.New()
	}

	s := &Sink{
		alive:  alive.NewAlive(),
		shards: make([]chan Batch, opt.Workers),
		store:  store,
		locks:  opt.Locks,
		pub:    opt.Publisher,
		log:    opt.Log,
		stat:   opt.Stat,
	}

	s.alive.Add(len(s.shards))
	for i := range s.shards {
		s.shards[i] = make(chan Batch, opt.QueueSize)
		go s.worker(s.shards[i])
	}

	return s
}

//Submit queues b and returns immediately. It returns false once the sink is closed.
func (s *Sink) Submit(b Batch) bool {
	if b.Empty() {
		return true
	}
	if !s.alive.Add(1) {
		return false
	}
	defer s.alive.Done()

	shard := s.shards[s.shardFor(b.IMEI)]
	for {
		select {
		case shard <- b:
			s.stat.Enqueued.Add(1)
			return true
		default:
		}

		select {
		case old := <-shard:
			s.stat.QueueDrops.Add(1)
			s.log.WithField("imei", old.IMEI).Warnf("persistence queue full, dropped oldest batch with %d records", old.Records())
		default:
		}
	}
}

//Close stops accepting batches, stores what is already queued and waits for the workers
func (s *Sink) Close() {
	s.alive.Stop()
	s.alive.Wait()

	// a Submit that was in flight during Stop may have queued after its worker drained
	for _, ch := range s.shards {
		s.drain(ch)
	}
}

func (s *Sink) shardFor(imei string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(imei))
	return int(h.Sum32() % uint32(len(s.shards)))
}

func (s *Sink) worker(ch chan Batch) {
	defer s.alive.Done()

	for {
		select {
		case b := <-ch:
			s.persist(b)
		case <-s.alive.StopChan():
			s.drain(ch)
			return
		}
	}
}

func (s *Sink) drain(ch chan Batch) {
	for {
		select {
		case b := <-ch:
			s.persist(b)
		default:
			return
		}
	}
}

func (s *Sink) persist(b Batch) {
	log := s.log.WithField("imei", b.IMEI)
	stored := Batch{IMEI: b.IMEI}

	for i := range b.Locations {
		if s.check(log, s.store.CreateLocationRecord(&b.Locations[i])) {
			stored.Locations = append(stored.Locations, b.Locations[i])
		}
	}
	for i := range b.Health {
		if s.check(log, s.store.CreateHealthRecord(&b.Health[i])) {
			stored.Health = append(stored.Health, b.Health[i])
		}
	}
	for i := range b.Alarms {
		if s.check(log, s.store.CreateAlarmRecord(&b.Alarms[i])) {
			stored.Alarms = append(stored.Alarms, b.Alarms[i])
		}
	}

	if !b.Cache.Empty() {
		err := s.locks.WithLock(b.IMEI, func() error {
			return s.store.UpdateDeviceCache(b.IMEI, b.Cache)
		})
		if err != nil {
			s.stat.PersistenceFailures.Add(1)
			log.Errorf("failed to update device cache: %s", errors.Details(err))
		}
	}

	if s.pub != nil && stored.Records() > 0 {
		if err := s.pub.Publish(stored); err != nil {
			s.stat.PublishFailures.Add(1)
			log.Errorf("failed to publish telemetry: %s", err.Error())
		}
	}
}

func (s *Sink) check(log logging.Logger, err error) bool {
	if err != nil {
		s.stat.PersistenceFailures.Add(1)
		log.Errorf("failed to store telemetry: %s", errors.Details(err))
		return false
	}
	s.stat.Persisted.Add(1)
	return true
}
