package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/maxphoton/PiggyBank/internal/feed"
)

func testRecords(t *testing.T, payload string) []feed.AssetRecord {
	t.Helper()
	var records []feed.AssetRecord
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		t.Fatalf("解析测试数据失败: %v", err)
	}
	return records
}

func TestFileStoreFirstRun(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"), zerolog.Nop())

	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("文件缺失应视为首次运行: %v", err)
	}
	if records != nil {
		t.Fatalf("首次运行应返回 nil, 实际 %+v", records)
	}
}

func TestFileStoreMalformedTreatedAsFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewFileStore(path, zerolog.Nop())
	records, err := store.Load(context.Background())
	if err != nil || records != nil {
		t.Fatalf("损坏的快照应视为首次运行: %v %+v", err, records)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(path, zerolog.Nop())

	saved := testRecords(t, `[{"asset_ticker":"USDC","epoch":34,"lst_cap":"100","extra":"kept"}]`)
	if err := store.Save(context.Background(), saved); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Ticker != "USDC" || loaded[0].Epoch() != "34" {
		t.Fatalf("回读结果错误: %+v", loaded)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(body, []byte(`"extra"`)) {
		t.Fatal("未识别字段应保留在快照中")
	}
	if !bytes.Contains(body, []byte("\n")) {
		t.Fatal("快照应为缩进格式")
	}
}

func TestFileStoreSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "snapshot.json"), zerolog.Nop())

	if err := store.Save(context.Background(), nil); err != nil {
		t.Fatalf("保存空列表失败: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Fatalf("临时文件未清理: %s", entry.Name())
		}
	}
}

func TestFileStoreEmptyListIsNotFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(path, zerolog.Nop())

	if err := store.Save(context.Background(), []feed.AssetRecord{}); err != nil {
		t.Fatal(err)
	}
	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if records == nil {
		t.Fatal("空快照与缺失快照应可区分")
	}
}
