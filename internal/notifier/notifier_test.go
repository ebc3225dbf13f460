package notifier

import (
	"context"
	"errors"
	"testing"
)

type recordingSink struct {
	logs []DeliveryLog
}

func (s *recordingSink) AppendAudit(ctx context.Context, topic string, record any) error {
	if log, ok := record.(DeliveryLog); ok {
		s.logs = append(s.logs, log)
	}
	return nil
}

type failingAdapter struct{}

func (failingAdapter) Send(ctx context.Context, r Recipient, m Message) error {
	return errors.New("delivery failed")
}

func TestSend_OnlySendsOverChannelsWithAnAddress(t *testing.T) {
	push := NewNoopAdapter(ChannelPush).(*noopAdapter)
	sms := NewNoopAdapter(ChannelSMS).(*noopAdapter)

	f := New(map[Channel]Adapter{ChannelPush: push, ChannelSMS: sms}, nil)

	recipient := Recipient{ID: "d1", PushToken: "tok"} // no phone
	_, err := f.Send(context.Background(), recipient, Message{Title: "hi"}, []Channel{ChannelPush, ChannelSMS})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if push.SentCount() != 1 {
		t.Errorf("expected push to be attempted once, got %d", push.SentCount())
	}
	if sms.SentCount() != 0 {
		t.Errorf("expected sms to be skipped for a recipient with no phone, got %d sends", sms.SentCount())
	}
}

func TestSend_PersistsDeliveryLogRegardlessOfOutcome(t *testing.T) {
	sink := &recordingSink{}
	f := New(map[Channel]Adapter{ChannelEmail: failingAdapter{}}, sink)

	_, err := f.Send(context.Background(), Recipient{ID: "d2", Email: "a@b.com"}, Message{Title: "x"}, []Channel{ChannelEmail})
	if err != nil {
		t.Fatalf("Send itself should not fail even when every channel fails: %v", err)
	}

	if len(sink.logs) != 1 {
		t.Fatalf("expected exactly one delivery log persisted, got %d", len(sink.logs))
	}
	if sink.logs[0].Successful {
		t.Error("expected Successful=false when every channel failed")
	}
}

func TestSend_BodyPrefixTruncatedTo100Chars(t *testing.T) {
	sink := &recordingSink{}
	push := NewNoopAdapter(ChannelPush)
	f := New(map[Channel]Adapter{ChannelPush: push}, sink)

	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}

	_, _ = f.Send(context.Background(), Recipient{ID: "d3", PushToken: "tok"}, Message{Title: "t", Body: long}, []Channel{ChannelPush})

	if len(sink.logs[0].BodyPrefix) != 100 {
		t.Errorf("expected body prefix truncated to 100 chars, got %d", len(sink.logs[0].BodyPrefix))
	}
}

func TestOptimalChannels_SelectsBySeverityAndDedupes(t *testing.T) {
	r := Recipient{PushToken: "tok", Phone: "555", Email: "a@b.com", Role: "admin"}

	got := OptimalChannels(r, SeverityCritical)

	want := map[Channel]bool{ChannelPush: true, ChannelSMS: true, ChannelEmail: true, ChannelChat: true}
	if len(got) != len(want) {
		t.Fatalf("expected %d channels for critical+admin, got %v", len(want), got)
	}
	seen := make(map[Channel]int)
	for _, ch := range got {
		seen[ch]++
		if !want[ch] {
			t.Errorf("unexpected channel %v selected", ch)
		}
	}
	for ch, count := range seen {
		if count > 1 {
			t.Errorf("expected channel %v deduplicated, appeared %d times", ch, count)
		}
	}
}

func TestOptimalChannels_NormalSeverityOnlyPush(t *testing.T) {
	r := Recipient{PushToken: "tok", Phone: "555", Email: "a@b.com"}
	got := OptimalChannels(r, SeverityNormal)
	if len(got) != 1 || got[0] != ChannelPush {
		t.Errorf("expected only push for normal severity non-admin, got %v", got)
	}
}
