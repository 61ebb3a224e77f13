package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/klingon-tech/walletmux/internal/ledger"
	"github.com/klingon-tech/walletmux/internal/nwc"
	"github.com/klingon-tech/walletmux/internal/relay"
)

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []chan *nwc.Event
}

func (f *fakeSubscriber) Subscribe(filter relay.Filter) (<-chan *nwc.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan *nwc.Event, 16)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeSubscriber) publish(ev *nwc.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return
	}
	f.subs[len(f.subs)-1] <- ev
}

type fakeDirectory struct {
	accounts map[string]*ledger.SubAccount
}

func (f *fakeDirectory) ByServicePubKey(pubkeyHex string) (*ledger.SubAccount, bool) {
	acct, ok := f.accounts[pubkeyHex]
	return acct, ok
}

func (f *fakeDirectory) ServicePubKeys() []string {
	keys := make([]string, 0, len(f.accounts))
	for k := range f.accounts {
		keys = append(keys, k)
	}
	return keys
}

func TestRouterDispatchesToKnownSubWallet(t *testing.T) {
	sub := &fakeSubscriber{}
	dir := &fakeDirectory{accounts: map[string]*ledger.SubAccount{
		"pubkey-1": {ID: "acct-1", ServicePubKey: "pubkey-1"},
	}}

	received := make(chan string, 1)
	handler := func(ctx context.Context, subAccountID string, event *nwc.Event) {
		received <- subAccountID
	}

	r := New(sub, dir, handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Let the router register its first subscription.
	time.Sleep(20 * time.Millisecond)

	sub.publish(&nwc.Event{
		Kind: nwc.KindRequest,
		Tags: []nwc.Tag{{"p", "pubkey-1"}},
	})

	select {
	case got := <-received:
		if got != "acct-1" {
			t.Errorf("handler called for sub_account_id = %s, want acct-1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestRouterDropsUnknownRecipient(t *testing.T) {
	sub := &fakeSubscriber{}
	dir := &fakeDirectory{accounts: map[string]*ledger.SubAccount{}}

	called := make(chan struct{}, 1)
	handler := func(ctx context.Context, subAccountID string, event *nwc.Event) {
		called <- struct{}{}
	}

	r := New(sub, dir, handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	sub.publish(&nwc.Event{
		Kind: nwc.KindRequest,
		Tags: []nwc.Tag{{"p", "nobody"}},
	})

	select {
	case <-called:
		t.Fatal("handler should not run for an unknown recipient")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouterSerializesPerSubWallet(t *testing.T) {
	sub := &fakeSubscriber{}
	dir := &fakeDirectory{accounts: map[string]*ledger.SubAccount{
		"pubkey-1": {ID: "acct-1", ServicePubKey: "pubkey-1"},
	}}

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})
	handler := func(ctx context.Context, subAccountID string, event *nwc.Event) {
		n := len(event.Tags) // use tag count to smuggle an ordinal through the fake event
		if n == 1 {
			<-release
		}
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	r := New(sub, dir, handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	sub.publish(&nwc.Event{Kind: nwc.KindRequest, Tags: []nwc.Tag{{"p", "pubkey-1"}}})
	sub.publish(&nwc.Event{Kind: nwc.KindRequest, Tags: []nwc.Tag{{"p", "pubkey-1"}, {"e", "x"}}})
	close(release)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2] (FIFO per sub-wallet)", order)
	}
}

func TestSameSet(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{nil, nil, true},
		{[]string{"a"}, []string{"a"}, true},
		{[]string{"a", "b"}, []string{"b", "a"}, true},
		{[]string{"a"}, []string{"a", "b"}, false},
		{[]string{"a"}, []string{"b"}, false},
	}
	for _, tc := range cases {
		if got := sameSet(tc.a, tc.b); got != tc.want {
			t.Errorf("sameSet(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
