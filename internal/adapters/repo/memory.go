package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"instaroom/internal/domain"
)

// Memory хранит задачи и комнаты в памяти процесса. Используется, когда PG_DSN не задан, и в тестах.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]domain.Job
	active map[string]string
	rooms  map[string]domain.Room
}

var (
	_ domain.JobStore  = (*memoryJobs)(nil)
	_ domain.RoomStore = (*memoryRooms)(nil)
)

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]domain.Job),
		active: make(map[string]string),
		rooms:  make(map[string]domain.Room),
	}
}

// Jobs возвращает хранилище как JobStore.
func (m *Memory) Jobs() domain.JobStore { return (*memoryJobs)(m) }

// Rooms возвращает хранилище как RoomStore.
func (m *Memory) Rooms() domain.RoomStore { return (*memoryRooms)(m) }

type memoryJobs Memory

func (s *memoryJobs) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrActiveJobExists
	}
	if !job.Terminal() {
		if _, ok := s.active[job.Identity]; ok {
			return domain.ErrActiveJobExists
		}
		s.active[job.Identity] = job.ID
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memoryJobs) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *memoryJobs) GetByIdentity(_ context.Context, identity string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.active[identity]; ok {
		return s.jobs[id], nil
	}
	var (
		latest domain.Job
		found  bool
	)
	for _, job := range s.jobs {
		if job.Identity != identity {
			continue
		}
		if !found || job.CreatedAt.After(latest.CreatedAt) {
			latest, found = job, true
		}
	}
	if !found {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return latest, nil
}

func (s *memoryJobs) Update(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := domain.CanReplace(prev, job); err != nil {
		return err
	}
	s.jobs[job.ID] = job
	if job.Terminal() && s.active[job.Identity] == job.ID {
		delete(s.active, job.Identity)
	}
	return nil
}

func (s *memoryJobs) ListStale(_ context.Context, updatedBefore time.Time) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Job
	for _, id := range s.active {
		job := s.jobs[id]
		if job.UpdatedAt.Before(updatedBefore) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

type memoryRooms Memory

func (s *memoryRooms) Save(_ context.Context, room domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

func (s *memoryRooms) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
	return nil
}

func (s *memoryRooms) Get(_ context.Context, id string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, nil
}

func (s *memoryRooms) GetByIdentity(_ context.Context, identity string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest domain.Room
		found  bool
	)
	for _, room := range s.rooms {
		if room.Identity != identity {
			continue
		}
		if !found || room.CreatedAt.After(latest.CreatedAt) {
			latest, found = room, true
		}
	}
	if !found {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return latest, nil
}
