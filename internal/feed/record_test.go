package feed

import (
	"encoding/json"
	"testing"
)

func decodeOne(t *testing.T, payload string) AssetRecord {
	t.Helper()
	var record AssetRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		t.Fatalf("解码不应失败: %v", err)
	}
	return record
}

func TestRecordDecodeFullFields(t *testing.T) {
	record := decodeOne(t, `{"asset_ticker":"USDC","asset_name":"Circle USD","epoch":34,"lst_cap":"100","lst_tvl":"52.5"}`)

	if record.Ticker != "USDC" || record.Name != "Circle USD" {
		t.Fatalf("基础字段解码错误: %+v", record)
	}
	if !record.HasEpoch() || record.Epoch() != "34" {
		t.Fatalf("epoch 应为 34, 实际 %q", record.Epoch())
	}
	capacity, err := record.Capacity()
	if err != nil || capacity.String() != "100" {
		t.Fatalf("lst_cap 解析错误: %v %v", capacity, err)
	}
	utilization, err := record.Utilization()
	if err != nil || utilization.String() != "52.5" {
		t.Fatalf("lst_tvl 解析错误: %v %v", utilization, err)
	}
}

func TestRecordDecodeNonObject(t *testing.T) {
	record := decodeOne(t, `"just a string"`)
	if record.Ticker != "" || record.HasEpoch() {
		t.Fatalf("非对象记录应解码为零值: %+v", record)
	}
}

func TestRecordDecodeNonStringTicker(t *testing.T) {
	record := decodeOne(t, `{"asset_ticker":123,"epoch":1}`)
	if record.Ticker != "" {
		t.Fatalf("非字符串 ticker 应为空: %q", record.Ticker)
	}
	if !record.HasEpoch() {
		t.Fatal("epoch 仍应被识别")
	}
}

func TestRecordNullNumericAbsent(t *testing.T) {
	record := decodeOne(t, `{"asset_ticker":"X","lst_cap":null,"lst_tvl":null}`)
	if _, err := record.Capacity(); err != ErrFieldMissing {
		t.Fatalf("null lst_cap 应视为缺失, 实际 %v", err)
	}
	if _, err := record.Utilization(); err != ErrFieldMissing {
		t.Fatalf("null lst_tvl 应视为缺失, 实际 %v", err)
	}
}

func TestRecordNullEpochStillPresent(t *testing.T) {
	record := decodeOne(t, `{"asset_ticker":"X","epoch":null}`)
	if !record.HasEpoch() {
		t.Fatal("epoch:null 的键存在性仍应成立")
	}
}

func TestRecordEpochNormalization(t *testing.T) {
	numeric := decodeOne(t, `{"asset_ticker":"X","epoch":35}`)
	quoted := decodeOne(t, `{"asset_ticker":"X","epoch":"35"}`)
	if numeric.Epoch() != quoted.Epoch() {
		t.Fatalf("数字与字符串 epoch 应归一化相等: %q vs %q", numeric.Epoch(), quoted.Epoch())
	}
}

func TestRecordUnparseableNumeric(t *testing.T) {
	record := decodeOne(t, `{"asset_ticker":"X","lst_cap":"abc"}`)
	if _, err := record.Capacity(); err == nil || err == ErrFieldMissing {
		t.Fatalf("无法解析的数值应返回解析错误, 实际 %v", err)
	}
}

func TestRecordDisplayNameFallback(t *testing.T) {
	record := decodeOne(t, `{"asset_ticker":"USDC"}`)
	if record.DisplayName() != "USDC" {
		t.Fatalf("无名称时应回退到 ticker: %q", record.DisplayName())
	}
}

func TestRecordMarshalRoundTripsUnknownFields(t *testing.T) {
	original := `{"asset_ticker":"USDC","epoch":1,"custom_field":{"nested":true}}`
	record := decodeOne(t, original)

	out, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	var got, want map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("回读失败: %v", err)
	}
	if err := json.Unmarshal([]byte(original), &want); err != nil {
		t.Fatalf("回读原始数据失败: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("未知字段应原样保留: %v", got)
	}
	if _, ok := got["custom_field"]; !ok {
		t.Fatal("custom_field 丢失")
	}
}
