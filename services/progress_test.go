package services

import (
	goctx "context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/services/repositories"
	"github.com/k-orbit/korbit_api/shared"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.DomainEvent
}

func (s *recordingSink) Deliver(evt model.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) all() []model.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DomainEvent{}, s.events...)
}

// fakeStore is an in-memory ProgressStore for pipeline tests.
type fakeStore struct {
	mu sync.Mutex

	published    map[string]bool
	lessonCourse map[string]string
	required     map[string][]string

	enrollments map[string]*model.Enrollment
	lessonDone  map[string]bool
	grants      []model.XPTransaction
	streaks     map[string]*model.UserStreak
	badges      []model.Badge
	held        map[string]map[string]bool

	busyFor  int
	txCount  int
	applyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		published:    map[string]bool{},
		lessonCourse: map[string]string{},
		required:     map[string][]string{},
		enrollments:  map[string]*model.Enrollment{},
		lessonDone:   map[string]bool{},
		streaks:      map[string]*model.UserStreak{},
		held:         map[string]map[string]bool{},
	}
}

func (f *fakeStore) addCourse(courseID string, published bool, requiredLessons ...string) {
	f.published[courseID] = published
	f.required[courseID] = requiredLessons
	for _, l := range requiredLessons {
		f.lessonCourse[l] = courseID
	}
}

func (f *fakeStore) enroll(userID, courseID string, completed ...string) *model.Enrollment {
	e := &model.Enrollment{
		ID:       "enr_" + userID + "_" + courseID,
		UserID:   userID,
		CourseID: courseID,
		Status:   model.EnrollmentInProgress,
	}
	_ = e.SetCompletedLessons(completed)
	f.enrollments[userID+"|"+courseID] = e
	for _, l := range completed {
		f.lessonDone[userID+"|"+l] = true
	}
	return e
}

func (f *fakeStore) CourseForLesson(_ goctx.Context, lessonID string) (string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	courseID, ok := f.lessonCourse[lessonID]
	if !ok {
		return "", nil, shared.ErrLessonNotFound
	}
	return courseID, f.required[courseID], nil
}

func (f *fakeStore) CoursePublished(_ goctx.Context, courseID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	published, ok := f.published[courseID]
	if !ok {
		return false, shared.ErrCourseNotFound
	}
	return published, nil
}

func (f *fakeStore) CreateEnrollment(_ goctx.Context, enrollment *model.Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := enrollment.UserID + "|" + enrollment.CourseID
	if _, exists := f.enrollments[key]; exists {
		return shared.ErrAlreadyEnrolled
	}
	f.enrollments[key] = enrollment
	return nil
}

func (f *fakeStore) InEnrollmentTx(_ goctx.Context, userID, courseID string, fn func(tx repositories.ProgressTx) error) error {
	f.mu.Lock()
	f.txCount++
	if f.busyFor > 0 {
		f.busyFor--
		f.mu.Unlock()
		return shared.ErrEnrollmentBusy
	}

	enrollment, ok := f.enrollments[userID+"|"+courseID]
	if !ok {
		f.mu.Unlock()
		return shared.ErrNotEnrolled
	}
	snapshot := *enrollment
	f.mu.Unlock()

	return fn(&fakeTx{store: f, userID: userID, enrollment: &snapshot})
}

type fakeTx struct {
	store      *fakeStore
	userID     string
	enrollment *model.Enrollment
}

func (t *fakeTx) Enrollment() (*model.Enrollment, error) {
	return t.enrollment, nil
}

func (t *fakeTx) LessonCompleted(lessonID string) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.lessonDone[t.userID+"|"+lessonID], nil
}

func (t *fakeTx) UserAggregate() (model.UserAggregate, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var agg model.UserAggregate
	for _, g := range t.store.grants {
		if g.UserID == t.userID {
			agg.TotalXP += g.Amount
			if g.Source == model.XPSourceForumAnswer {
				agg.ForumAnswers++
			}
		}
	}
	for key, done := range t.store.lessonDone {
		if done && strings.HasPrefix(key, t.userID+"|") {
			agg.LessonsCompleted++
		}
	}
	for _, e := range t.store.enrollments {
		if e.UserID == t.userID && e.Status == model.EnrollmentCompleted {
			agg.CoursesCompleted++
		}
	}
	if s := t.store.streaks[t.userID]; s != nil {
		agg.StreakDays = s.Current
	}
	return agg, nil
}

func (t *fakeTx) Streak() (*model.UserStreak, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.streaks[t.userID], nil
}

func (t *fakeTx) ActiveBadges() ([]model.Badge, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.badges, nil
}

func (t *fakeTx) HeldBadgeIDs() (map[string]bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	held := map[string]bool{}
	for id := range t.store.held[t.userID] {
		held[id] = true
	}
	return held, nil
}

func (t *fakeTx) Apply(delta model.CompletionDelta) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.store.applyErr != nil {
		return t.store.applyErr
	}

	if delta.Enrollment != nil {
		t.store.enrollments[delta.Enrollment.UserID+"|"+delta.Enrollment.CourseID] = delta.Enrollment
	}
	if delta.LessonProgress != nil {
		t.store.lessonDone[delta.LessonProgress.UserID+"|"+delta.LessonProgress.LessonID] = true
	}
	if delta.Streak != nil {
		t.store.streaks[delta.Streak.UserID] = delta.Streak
	}
	t.store.grants = append(t.store.grants, delta.XPGrants...)
	for _, award := range delta.BadgeAwards {
		if t.store.held[award.UserID] == nil {
			t.store.held[award.UserID] = map[string]bool{}
		}
		t.store.held[award.UserID][award.BadgeID] = true
	}
	return nil
}

func newTestMonitoring() *MonitoringService {
	return &MonitoringService{
		LessonCompletions: prometheus.NewCounter(prometheus.CounterOpts{Name: "test_lesson_completions"}),
		XPAwarded:         prometheus.NewCounter(prometheus.CounterOpts{Name: "test_xp_awarded"}),
		BadgesUnlocked:    prometheus.NewCounter(prometheus.CounterOpts{Name: "test_badges_unlocked"}),
		EventsPublished:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events_published"}, []string{"type"}),
		EventsDropped:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events_dropped"}, []string{"reason"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_ws_connections"}),
	}
}

func newTestProgressService(store *fakeStore) (*ProgressService, *recordingSink) {
	sink := &recordingSink{}
	bus := &EventBusService{}
	bus.AttachSink(sink)

	svc := &ProgressService{
		store:  store,
		engine: NewRewardEngine(),
		busSvc: bus,
		monSvc: newTestMonitoring(),
		now:    func() time.Time { return testNow },
	}
	return svc, sink
}

func TestEnroll(t *testing.T) {
	store := newFakeStore()
	store.addCourse("c1", true, "l1")
	store.addCourse("c2", false, "l2")
	svc, _ := newTestProgressService(store)

	resp, err := svc.Enroll(goctx.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.CourseID)
	assert.Equal(t, model.EnrollmentNotStarted, resp.Status)
	assert.Equal(t, 0.00, resp.ProgressPercentage)

	// Enrolling twice is a conflict.
	_, err = svc.Enroll(goctx.Background(), "u1", "c1")
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, 409, appErr.StatusCode)

	// Unpublished and unknown courses both look like 404.
	_, err = svc.Enroll(goctx.Background(), "u1", "c2")
	appErr, ok = shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, 404, appErr.StatusCode)

	_, err = svc.Enroll(goctx.Background(), "u1", "missing")
	appErr, ok = shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, 404, appErr.StatusCode)
}

func TestCompleteLesson(t *testing.T) {
	store := newFakeStore()
	store.addCourse("c1", true, "l1", "l2")
	store.enroll("u1", "c1")
	svc, sink := newTestProgressService(store)

	resp, err := svc.CompleteLesson(goctx.Background(), "u1", "l1", dto.CompleteLessonRequest{})
	require.NoError(t, err)
	assert.Equal(t, 50.00, resp.ProgressPercentage)
	assert.False(t, resp.CourseCompleted)
	assert.Equal(t, XPLessonCompletion, resp.XPAwarded)

	events := sink.all()
	assert.Equal(t, []string{"lesson_completed", "xp_earned"}, eventTypes(events))
	assert.Equal(t, model.UserRoom("u1"), events[0].Room)

	// Second lesson finishes the course.
	resp, err = svc.CompleteLesson(goctx.Background(), "u1", "l2", dto.CompleteLessonRequest{})
	require.NoError(t, err)
	assert.Equal(t, 100.00, resp.ProgressPercentage)
	assert.True(t, resp.CourseCompleted)
	assert.Equal(t, XPLessonCompletion+XPCourseCompletion, resp.XPAwarded)
	assert.Equal(t, 2*XPLessonCompletion+XPCourseCompletion, resp.TotalXP)
}

func TestCompleteLessonIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addCourse("c1", true, "l1", "l2")
	e := store.enroll("u1", "c1", "l1")
	e.ProgressPercentage = 50.00
	svc, sink := newTestProgressService(store)

	resp, err := svc.CompleteLesson(goctx.Background(), "u1", "l1", dto.CompleteLessonRequest{})
	require.NoError(t, err)
	assert.True(t, resp.AlreadyCompleted)
	assert.Equal(t, 50.00, resp.ProgressPercentage)
	assert.Zero(t, resp.XPAwarded)
	assert.Empty(t, sink.all())
}

func TestCompleteLessonNotEnrolled(t *testing.T) {
	store := newFakeStore()
	store.addCourse("c1", true, "l1")
	svc, sink := newTestProgressService(store)

	_, err := svc.CompleteLesson(goctx.Background(), "u1", "l1", dto.CompleteLessonRequest{})
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, 404, appErr.StatusCode)
	assert.Empty(t, sink.all())
}

func TestCompleteLessonUnknownLesson(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestProgressService(store)

	_, err := svc.CompleteLesson(goctx.Background(), "u1", "missing", dto.CompleteLessonRequest{})
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, 404, appErr.StatusCode)
}

func TestCompleteLessonBusyRetries(t *testing.T) {
	store := newFakeStore()
	store.addCourse("c1", true, "l1")
	store.enroll("u1", "c1")
	store.busyFor = 2
	svc, _ := newTestProgressService(store)

	// Two contended attempts, then success.
	resp, err := svc.CompleteLesson(goctx.Background(), "u1", "l1", dto.CompleteLessonRequest{})
	require.NoError(t, err)
	assert.Equal(t, 100.00, resp.ProgressPercentage)
	assert.Equal(t, 3, store.txCount)
}

func TestCompleteLessonBusyExhausted(t *testing.T) {
	store := newFakeStore()
	store.addCourse("c1", true, "l1")
	store.enroll("u1", "c1")
	store.busyFor = completionMaxAttempts
	svc, sink := newTestProgressService(store)

	_, err := svc.CompleteLesson(goctx.Background(), "u1", "l1", dto.CompleteLessonRequest{})
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, 429, appErr.StatusCode)
	assert.Equal(t, completionMaxAttempts, store.txCount)
	assert.Empty(t, sink.all())
}

// contendingStore serializes transactions on a single row lock the way the
// database does: the loser of the race gets ErrEnrollmentBusy and retries.
type contendingStore struct {
	*fakeStore
	row sync.Mutex
}

func (s *contendingStore) InEnrollmentTx(ctx goctx.Context, userID, courseID string, fn func(tx repositories.ProgressTx) error) error {
	if !s.row.TryLock() {
		return shared.ErrEnrollmentBusy
	}
	defer s.row.Unlock()
	return s.fakeStore.InEnrollmentTx(ctx, userID, courseID, fn)
}

func TestCompleteLessonConcurrentFinalLessons(t *testing.T) {
	inner := newFakeStore()
	inner.addCourse("c1", true, "l1", "l2", "l3", "l4")
	inner.enroll("u1", "c1", "l1", "l2")
	store := &contendingStore{fakeStore: inner}

	sink := &recordingSink{}
	bus := &EventBusService{}
	bus.AttachSink(sink)

	svc := &ProgressService{
		store:  store,
		engine: NewRewardEngine(),
		busSvc: bus,
		monSvc: newTestMonitoring(),
		now:    func() time.Time { return testNow },
	}

	// The two remaining required lessons race each other.
	var wg sync.WaitGroup
	results := make([]*dto.CompleteLessonResponse, 2)
	errs := make([]error, 2)
	for i, lessonID := range []string{"l3", "l4"} {
		wg.Add(1)
		go func(i int, lessonID string) {
			defer wg.Done()
			results[i], errs[i] = svc.CompleteLesson(goctx.Background(), "u1", lessonID, dto.CompleteLessonRequest{})
		}(i, lessonID)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Both completions are rewarded, but only whichever committed second
	// closed out the course.
	assert.NotEqual(t, results[0].CourseCompleted, results[1].CourseCompleted)
	assert.Equal(t, 2*XPLessonCompletion+XPCourseCompletion, results[0].XPAwarded+results[1].XPAwarded)

	var bonuses, lessonGrants int
	for _, g := range inner.grants {
		switch g.Source {
		case model.XPSourceCourseCompletion:
			bonuses++
		case model.XPSourceLessonCompletion:
			lessonGrants++
		}
	}
	assert.Equal(t, 1, bonuses, "course bonus granted exactly once")
	assert.Equal(t, 2, lessonGrants)

	var completedEvents int
	for _, evt := range sink.all() {
		if evt.Type == model.EventCourseCompleted {
			completedEvents++
		}
	}
	assert.Equal(t, 1, completedEvents)

	e := inner.enrollments["u1|c1"]
	assert.Equal(t, model.EnrollmentCompleted, e.Status)
	assert.Equal(t, 100.00, e.ProgressPercentage)
}

func TestCompleteLessonNoEventsOnStorageFailure(t *testing.T) {
	store := newFakeStore()
	store.addCourse("c1", true, "l1")
	store.enroll("u1", "c1")
	store.applyErr = assert.AnError
	svc, sink := newTestProgressService(store)

	_, err := svc.CompleteLesson(goctx.Background(), "u1", "l1", dto.CompleteLessonRequest{})
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, 500, appErr.StatusCode)
	assert.Empty(t, sink.all())
}
