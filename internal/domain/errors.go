package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound возвращается, если задачи нет в хранилище.
	ErrJobNotFound = errors.New("job not found")
	// ErrRoomNotFound возвращается, если комнаты нет в хранилище.
	ErrRoomNotFound = errors.New("room not found")
	// ErrActiveJobExists возвращается при попытке создать вторую активную задачу для identity.
	ErrActiveJobExists = errors.New("active job exists for identity")
	// ErrInvalidTransition возвращается при нарушении порядка стадий.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrInvalidIdentity возвращается для пустой identity.
	ErrInvalidIdentity = errors.New("invalid identity")
)

// ErrorKind: вид ошибки стадии.
type ErrorKind string

const (
	KindCollection  ErrorKind = "collection"
	KindAnalysis    ErrorKind = "analysis"
	KindAggregation ErrorKind = "aggregation"
	KindComposition ErrorKind = "composition"
	KindGeneration  ErrorKind = "generation"
	KindCritique    ErrorKind = "critique"
	KindConversion  ErrorKind = "conversion"
)

// CollectionReason уточняет причину ошибки сбора.
type CollectionReason string

const (
	ReasonNotFound      CollectionReason = "not_found"
	ReasonPrivate       CollectionReason = "private"
	ReasonRateLimited   CollectionReason = "rate_limited"
	ReasonInvalidUpload CollectionReason = "invalid_upload"
	ReasonUpstream      CollectionReason = "upstream"
)

var kindStages = map[ErrorKind]int{
	KindCollection:  StageCollecting,
	KindAnalysis:    StageAnalyzing,
	KindAggregation: StageAggregating,
	KindComposition: StageComposing,
	KindGeneration:  StageGenerating,
	KindCritique:    StageGenerating,
	KindConversion:  StageConverting,
}

// StageError: фатальная ошибка конвейера с привязкой к стадии.
type StageError struct {
	Kind    ErrorKind
	Stage   int
	Reason  CollectionReason
	Message string
	Err     error
}

// NewStageError создаёт ошибку стадии; индекс стадии выводится из вида.
func NewStageError(kind ErrorKind, message string, err error) *StageError {
	return &StageError{Kind: kind, Stage: kindStages[kind], Message: message, Err: err}
}

// NewCollectionError создаёт ошибку сбора с причиной.
func NewCollectionError(reason CollectionReason, message string, err error) *StageError {
	e := NewStageError(KindCollection, message, err)
	e.Reason = reason
	return e
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " failed"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error at stage %d: %s: %v", e.Kind, e.Stage, msg, e.Err)
	}
	return fmt.Sprintf("%s error at stage %d: %s", e.Kind, e.Stage, msg)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// UserMessage возвращает сообщение, пригодное для показа клиенту.
func (e *StageError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind) + " failed"
}

// AsStageError извлекает StageError из цепочки ошибок.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCollectionReason проверяет причину ошибки сбора.
func IsCollectionReason(err error, reason CollectionReason) bool {
	se, ok := AsStageError(err)
	return ok && se.Kind == KindCollection && se.Reason == reason
}
