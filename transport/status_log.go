package transport

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/Kobra-S1/ACEPRO/logger"
)

// statusTracker logs what changed between consecutive get_status results.
type statusTracker struct {
	mu     sync.Mutex
	logger logger.Logger

	seen            bool
	status          string
	action          string
	feedAssistCount *int64
	contAssistTime  *float64
	slotStatus      map[int]string
	slotPayload     map[int]string
	dryer           string
	temp            *float64
}

type statusResult struct {
	Status          *string          `json:"status"`
	Action          string           `json:"action"`
	Temp            float64          `json:"temp"`
	FeedAssistCount *int64           `json:"feed_assist_count"`
	ContAssistTime  *float64         `json:"cont_assist_time"`
	Dryer           dryerResult      `json:"dryer"`
	DryerStatus     *dryerResult     `json:"dryer_status"`
	Slots           []map[string]any `json:"slots"`
}

type dryerResult struct {
	Status     string  `json:"status"`
	TargetTemp float64 `json:"target_temp"`
	RemainTime float64 `json:"remain_time"`
}

func newStatusTracker(l logger.Logger) *statusTracker {
	return &statusTracker{
		logger:      l,
		slotStatus:  make(map[int]string),
		slotPayload: make(map[int]string),
	}
}

func (t *statusTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seen = false
	t.status, t.action, t.dryer = "", "", ""
	t.feedAssistCount, t.contAssistTime, t.temp = nil, nil, nil
	clear(t.slotStatus)
	clear(t.slotPayload)
}

func (t *statusTracker) observe(resp *Response) {
	if resp == nil || len(resp.Result) == 0 {
		return
	}

	var res statusResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || res.Status == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	action := res.Action
	if action == "" {
		action = "none"
	}
	if !t.seen || *res.Status != t.status || action != t.action {
		last := "unknown"
		if t.seen {
			last = t.status + "/" + t.action
		}
		t.logger.Info("status change", "from", last, "to", *res.Status+"/"+action)
		t.status, t.action, t.seen = *res.Status, action, true
	}

	if res.FeedAssistCount != nil && (t.feedAssistCount == nil || *t.feedAssistCount != *res.FeedAssistCount) {
		t.logger.Info("feed assist count", "from", fmtPtr(t.feedAssistCount), "to", *res.FeedAssistCount)
		t.feedAssistCount = res.FeedAssistCount
	}
	if res.ContAssistTime != nil && (t.contAssistTime == nil || *t.contAssistTime != *res.ContAssistTime) {
		t.logger.Info("continuous assist time", "from", fmtPtr(t.contAssistTime), "to", *res.ContAssistTime)
		t.contAssistTime = res.ContAssistTime
	}

	for _, slot := range res.Slots {
		idxVal, ok := slot["index"].(float64)
		if !ok {
			continue
		}
		idx := int(idxVal)

		status, _ := slot["status"].(string)
		if status == "" {
			status = "unknown"
		}
		if last, ok := t.slotStatus[idx]; !ok || last != status {
			if !ok {
				last = "unknown"
			}
			t.logger.Info("slot change", "slot", idx, "from", last, "to", status)
			t.slotStatus[idx] = status
		}

		dump, err := json.Marshal(slot)
		if err == nil && t.slotPayload[idx] != string(dump) {
			t.logger.Info("slot data", "slot", idx, "data", string(dump))
			t.slotPayload[idx] = string(dump)
		}
	}

	// older firmware reports the dryer as dryer_status
	if res.DryerStatus != nil {
		res.Dryer = *res.DryerStatus
	}
	dryer := res.Dryer.Status
	if dryer == "" {
		dryer = "stop"
	}
	if dryer != t.dryer {
		if dryer != "stop" {
			from := t.dryer
			if from == "" {
				from = "stop"
			}
			t.logger.Info("dryer change", "from", from, "to", dryer,
				"target_temp", res.Dryer.TargetTemp, "remain_time", res.Dryer.RemainTime)
		} else if t.dryer != "" {
			t.logger.Info("dryer stopped")
		}
		t.dryer = dryer
	}

	if t.temp != nil {
		if delta := res.Temp - *t.temp; math.Abs(delta) >= 5 {
			t.logger.Info("temperature change", "from", *t.temp, "to", res.Temp, "delta", fmt.Sprintf("%+.1f", delta))
		}
	}
	temp := res.Temp
	t.temp = &temp
}

func fmtPtr[T any](p *T) string {
	if p == nil {
		return "none"
	}

	return fmt.Sprint(*p)
}
