package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxphoton/PiggyBank/internal/diff"
	"github.com/maxphoton/PiggyBank/internal/dispatch"
	"github.com/maxphoton/PiggyBank/internal/feed"
)

type fakeSource struct {
	records []feed.AssetRecord
	err     error
	calls   int
}

func (s *fakeSource) Fetch(ctx context.Context) ([]feed.AssetRecord, error) {
	s.calls++
	return s.records, s.err
}

type memorySnapshots struct {
	saved   []feed.AssetRecord
	saves   int
	saveErr error
}

func (m *memorySnapshots) Load(ctx context.Context) ([]feed.AssetRecord, error) {
	return m.saved, nil
}

func (m *memorySnapshots) Save(ctx context.Context, records []feed.AssetRecord) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = records
	m.saves++
	return nil
}

type recordingDispatcher struct {
	batches chan []diff.Notification
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, notifications []diff.Notification) dispatch.Result {
	d.batches <- notifications
	return dispatch.Result{Sent: len(notifications)}
}

type fakeDirectory struct{}

func (fakeDirectory) AllUserIDs(context.Context) []int64 { return []int64{1} }
func (fakeDirectory) SubscribersOf(context.Context, string) []int64 { return []int64{1} }

type fakeLocker struct {
	acquired bool
	err      error
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	return func() {}, l.acquired, l.err
}

func parseRecords(t *testing.T, payload string) []feed.AssetRecord {
	t.Helper()
	var records []feed.AssetRecord
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		t.Fatalf("解析测试数据失败: %v", err)
	}
	return records
}

func newTestService(source feed.Source, snapshots *memorySnapshots, dispatcher Dispatcher, locker AdvisoryLocker, lockKey int64) *Service {
	engine := diff.NewEngine(fakeDirectory{}, diff.Options{}, zerolog.Nop())
	return New(nil, source, snapshots, engine, dispatcher, locker, lockKey, zerolog.Nop())
}

func TestCycleSeedsWithoutNotifying(t *testing.T) {
	source := &fakeSource{records: parseRecords(t, `[{"asset_ticker":"USDC","epoch":1}]`)}
	snapshots := &memorySnapshots{}
	dispatcher := &recordingDispatcher{batches: make(chan []diff.Notification, 1)}

	svc := newTestService(source, snapshots, dispatcher, nil, 0)
	if err := svc.Cycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("首次周期不应报错: %v", err)
	}

	if snapshots.saves != 1 {
		t.Fatalf("首次周期应保存快照, saves=%d", snapshots.saves)
	}
	select {
	case batch := <-dispatcher.batches:
		t.Fatalf("首次周期不应发送通知: %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCycleDetectsAndDispatches(t *testing.T) {
	snapshots := &memorySnapshots{saved: parseRecords(t, `[{"asset_ticker":"USDC","epoch":1}]`)}
	source := &fakeSource{records: parseRecords(t, `[{"asset_ticker":"USDC","epoch":2}]`)}
	dispatcher := &recordingDispatcher{batches: make(chan []diff.Notification, 1)}

	svc := newTestService(source, snapshots, dispatcher, nil, 0)
	if err := svc.Cycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("周期不应报错: %v", err)
	}

	select {
	case batch := <-dispatcher.batches:
		if len(batch) != 1 || batch[0].Kind != diff.KindEpochChanged {
			t.Fatalf("期望 epoch_changed 通知: %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("后台派发未启动")
	}

	if snapshots.saves != 1 {
		t.Fatalf("每个周期都应保存快照, saves=%d", snapshots.saves)
	}
}

func TestCycleFetchFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("api down")}
	snapshots := &memorySnapshots{saved: parseRecords(t, `[{"asset_ticker":"USDC"}]`)}
	dispatcher := &recordingDispatcher{batches: make(chan []diff.Notification, 1)}

	svc := newTestService(source, snapshots, dispatcher, nil, 0)
	if err := svc.Cycle(context.Background(), time.Now()); err == nil {
		t.Fatal("拉取失败应返回错误")
	}
	if snapshots.saves != 0 {
		t.Fatal("拉取失败不应覆盖快照")
	}
}

func TestCycleSnapshotSaveFailure(t *testing.T) {
	snapshots := &memorySnapshots{
		saved:   parseRecords(t, `[{"asset_ticker":"USDC","epoch":1}]`),
		saveErr: errors.New("disk full"),
	}
	source := &fakeSource{records: parseRecords(t, `[{"asset_ticker":"USDC","epoch":2}]`)}
	dispatcher := &recordingDispatcher{batches: make(chan []diff.Notification, 1)}

	svc := newTestService(source, snapshots, dispatcher, nil, 0)
	if err := svc.Cycle(context.Background(), time.Now()); err == nil {
		t.Fatal("快照保存失败应让该周期报错")
	}
	select {
	case batch := <-dispatcher.batches:
		t.Fatalf("快照未持久化时不应派发: %+v", batch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	source := &fakeSource{records: parseRecords(t, `[{"asset_ticker":"USDC","epoch":1}]`)}
	snapshots := &memorySnapshots{}
	dispatcher := &recordingDispatcher{batches: make(chan []diff.Notification, 1)}
	locker := &fakeLocker{acquired: false}

	svc := newTestService(source, snapshots, dispatcher, locker, 77)
	if err := svc.Cycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("锁被占用时应静默跳过: %v", err)
	}
	if source.calls != 0 {
		t.Fatal("未持锁时不应访问 API")
	}
}
