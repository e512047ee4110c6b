package faucet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/safro/faucet-platform/internal/chain"
	"github.com/safro/faucet-platform/internal/config"
	"github.com/safro/faucet-platform/internal/ledger"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testReceiver = "addr_safro1qqqsyqcyq5rqwzqfpg9scrgwpugpzysn7hzdtn"
)

func testConfig() config.FaucetConfig {
	return config.FaucetConfig{
		SigningSecret:   testMnemonic,
		NetworkEndpoint: "http://node:1317",
		Denomination:    "safro",
		TransferAmount:  "1000000",
		AddressPrefix:   "addr_safro",
		Memo:            "faucet",
	}.WithDefaults()
}

type brokenLedger struct{ err error }

func (b brokenLedger) Record(context.Context, ledger.Attempt) error { return b.err }

func (b brokenLedger) CountSince(context.Context, string, time.Time) (int, error) {
	return 0, b.err
}

// scriptedClient fails SignAndBroadcast with the queued errors, then succeeds.
// With noResult it answers nil, nil instead of succeeding.
type scriptedClient struct {
	mu         sync.Mutex
	address    string
	failures   []error
	noResult   bool
	calls      int
	balanceErr error
	lastMsgs   []chain.Msg
	lastFee    chain.Fee
	lastMemo   string
	closed     bool
}

func (c *scriptedClient) Address() string { return c.address }

func (c *scriptedClient) ChainID(context.Context) (string, error) { return "safro-testnet-1", nil }

func (c *scriptedClient) AllBalances(_ context.Context, _ string) (chain.Coins, error) {
	if c.balanceErr != nil {
		return nil, c.balanceErr
	}
	return chain.Coins{{Denom: "safro", Amount: "42"}}, nil
}

func (c *scriptedClient) SignAndBroadcast(_ context.Context, msgs []chain.Msg, fee chain.Fee, memo string) (*chain.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastMsgs, c.lastFee, c.lastMemo = msgs, fee, memo
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return nil, err
	}
	if c.noResult {
		return nil, nil
	}
	return &chain.TxResult{Hash: "ABCDEF", Height: 77, GasUsed: "61234", GasWanted: "200000"}, nil
}

func (c *scriptedClient) Close() error {
	c.closed = true
	return nil
}

func dialerFor(c *scriptedClient, dials *int) chain.Dialer {
	return func(_ context.Context, _ string, signer *chain.Signer) (chain.Client, error) {
		*dials++
		c.address = signer.Address()
		return c, nil
	}
}

func TestAdmit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()

	newAdmitter := func(seed ...ledger.Attempt) *Admitter {
		mem := ledger.NewMemoryWithClock(func() time.Time { return now })
		for _, a := range seed {
			mem.Seed(a)
		}
		return &Admitter{Ledger: mem, Now: func() time.Time { return now }}
	}
	past := func(identity string, ago time.Duration) ledger.Attempt {
		return ledger.Attempt{Identity: identity, Outcome: ledger.OutcomeSent, Timestamp: now.Add(-ago)}
	}

	tests := []struct {
		name     string
		seed     []ledger.Attempt
		identity string
		target   string
		allowed  bool
		reason   DenyReason
	}{
		{name: "fresh identity", identity: "1.2.3.4", target: testReceiver, allowed: true},
		{name: "no identity", identity: "", target: testReceiver, reason: IdentityUndetermined},
		{name: "no identity bad address", identity: "", target: "cosmos1xyz", reason: IdentityUndetermined},
		{
			name:     "limit reached",
			seed:     []ledger.Attempt{past("1.2.3.4", time.Hour), past("1.2.3.4", 2*time.Hour), past("1.2.3.4", 3*time.Hour)},
			identity: "1.2.3.4",
			target:   testReceiver,
			reason:   RateLimitExceeded,
		},
		{
			name:     "limit checked before address",
			seed:     []ledger.Attempt{past("1.2.3.4", time.Hour), past("1.2.3.4", 2*time.Hour), past("1.2.3.4", 3*time.Hour)},
			identity: "1.2.3.4",
			target:   "cosmos1xyz",
			reason:   RateLimitExceeded,
		},
		{
			name:     "old attempts fall out of the window",
			seed:     []ledger.Attempt{past("1.2.3.4", 25*time.Hour), past("1.2.3.4", Window+time.Second), past("1.2.3.4", time.Hour)},
			identity: "1.2.3.4",
			target:   testReceiver,
			allowed:  true,
		},
		{
			name:     "window start is inclusive",
			seed:     []ledger.Attempt{past("1.2.3.4", Window), past("1.2.3.4", time.Hour), past("1.2.3.4", time.Minute)},
			identity: "1.2.3.4",
			target:   testReceiver,
			reason:   RateLimitExceeded,
		},
		{
			name:     "other identities do not count",
			seed:     []ledger.Attempt{past("5.6.7.8", time.Hour), past("5.6.7.8", time.Hour), past("5.6.7.8", time.Hour)},
			identity: "1.2.3.4",
			target:   testReceiver,
			allowed:  true,
		},
		{name: "wrong prefix", identity: "1.2.3.4", target: "cosmos1xyz", reason: InvalidAddress},
		{name: "empty target", identity: "1.2.3.4", target: "", reason: InvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := newAdmitter(tt.seed...).Admit(context.Background(), tt.identity, tt.target, cfg)
			require.NoError(t, err)
			require.Equal(t, tt.allowed, d.Allowed)
			require.Equal(t, tt.reason, d.Reason)
			require.Equal(t, "addr_safro", d.Prefix)
		})
	}
}

func TestAdmit_DefaultLimit(t *testing.T) {
	mem := ledger.NewMemory()
	a := &Admitter{Ledger: mem}
	cfg := testConfig()
	cfg.DailyRequestLimit = 0

	for i := 0; i < config.DefaultDailyRequestLimit; i++ {
		d, err := a.Admit(context.Background(), "9.9.9.9", testReceiver, cfg)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		require.NoError(t, mem.Record(context.Background(), ledger.Attempt{Identity: "9.9.9.9", Outcome: ledger.OutcomeSent}))
	}
	d, err := a.Admit(context.Background(), "9.9.9.9", testReceiver, cfg)
	require.NoError(t, err)
	require.Equal(t, RateLimitExceeded, d.Reason)
	require.Equal(t, config.DefaultDailyRequestLimit, d.Limit)
}

func TestAdmit_LedgerFailure(t *testing.T) {
	broken := brokenLedger{err: errors.New("connection refused")}

	t.Run("fail open", func(t *testing.T) {
		d, err := (&Admitter{Ledger: broken}).Admit(context.Background(), "1.2.3.4", testReceiver, testConfig())
		require.NoError(t, err)
		require.True(t, d.Allowed)
	})

	t.Run("fail closed", func(t *testing.T) {
		_, err := (&Admitter{Ledger: broken, FailClosed: true}).Admit(context.Background(), "1.2.3.4", testReceiver, testConfig())
		require.Error(t, err)
		require.Equal(t, LedgerUnavailable, KindOf(err))
		require.ErrorContains(t, err, "connection refused")
	})
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	client := &scriptedClient{failures: []error{errors.New("timeout"), errors.New("timeout")}}
	dials := 0
	d := &Dispatcher{Dial: dialerFor(client, &dials), Backoff: time.Millisecond}

	res, err := d.Dispatch(context.Background(), testReceiver, testConfig())
	require.NoError(t, err)
	require.Equal(t, 3, client.calls)
	require.Equal(t, 1, dials)
	require.True(t, client.closed)

	require.Equal(t, "ABCDEF", res.TransactionHash)
	require.Equal(t, "safro-testnet-1", res.ChainID)
	require.EqualValues(t, 77, res.Height)
	require.Equal(t, chain.Coin{Denom: "safro", Amount: "1000000"}, res.Amount)
	require.Equal(t, client.address, res.SenderAddress)
	require.Equal(t, testReceiver, res.ReceiverAddress)
	require.Equal(t, "faucet", res.Memo)
	require.Equal(t, "61234", res.GasUsed)
	require.Equal(t, "200000", res.GasWanted)
	require.Equal(t, config.DefaultExplorerURLTemplate+"ABCDEF", res.ExplorerURL)

	send, ok := client.lastMsgs[0].(*chain.MsgSend)
	require.True(t, ok)
	require.Equal(t, testReceiver, send.ToAddress)
	require.Equal(t, chain.Coins{{Denom: "safro", Amount: "500"}}, client.lastFee.Amount)
	require.Equal(t, config.DefaultGasLimit, client.lastFee.GasLimit)
	require.Equal(t, "faucet", client.lastMemo)
}

func TestDispatch_Exhausted(t *testing.T) {
	client := &scriptedClient{failures: []error{
		errors.New("connection reset"), errors.New("account sequence mismatch"), errors.New("timeout"),
	}}
	dials := 0
	d := &Dispatcher{Dial: dialerFor(client, &dials), Backoff: time.Millisecond}

	res, err := d.Dispatch(context.Background(), testReceiver, testConfig())
	require.Nil(t, res)
	require.EqualError(t, err, "transaction failed after 3 attempts: timeout")

	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, DispatchTransient, ferr.Kind)
	require.Equal(t, 3, ferr.Attempts)
	require.Len(t, ferr.History.Errors, 3)
	require.EqualError(t, ferr.History.Errors[0], "connection reset")
	require.Equal(t, 3, client.calls)
}

func TestDispatch_InvalidConfigNeverDials(t *testing.T) {
	cases := map[string]func(*config.FaucetConfig){
		"missing endpoint": func(c *config.FaucetConfig) { c.NetworkEndpoint = "" },
		"short mnemonic":   func(c *config.FaucetConfig) { c.SigningSecret = "abandon abandon about" },
		"bad amount":       func(c *config.FaucetConfig) { c.TransferAmount = "-5" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			dials := 0
			d := &Dispatcher{Dial: dialerFor(&scriptedClient{}, &dials)}
			cfg := testConfig()
			mutate(&cfg)

			_, err := d.Dispatch(context.Background(), testReceiver, cfg)
			require.Equal(t, ConfigurationInvalid, KindOf(err))
			require.ErrorIs(t, err, config.ErrInvalid)
			require.Zero(t, dials)
		})
	}
}

func TestDispatch_DialFailure(t *testing.T) {
	d := &Dispatcher{Dial: func(context.Context, string, *chain.Signer) (chain.Client, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	_, err := d.Dispatch(context.Background(), testReceiver, testConfig())
	require.Equal(t, DispatchTransient, KindOf(err))
	require.EqualError(t, err, "dial tcp: connection refused")
}

func TestDispatch_BalanceReadsAreInformational(t *testing.T) {
	client := &scriptedClient{balanceErr: errors.New("lcd unavailable")}
	dials := 0
	d := &Dispatcher{Dial: dialerFor(client, &dials)}

	res, err := d.Dispatch(context.Background(), testReceiver, testConfig())
	require.NoError(t, err)
	require.Nil(t, res.SenderBalance)
	require.Nil(t, res.ReceiverBalance)
}

func TestDispatch_ExplorerTemplate(t *testing.T) {
	client := &scriptedClient{}
	dials := 0
	d := &Dispatcher{Dial: dialerFor(client, &dials)}
	cfg := testConfig()
	cfg.ExplorerURLTemplate = "https://explorer.example/tx/{hash}?net=test"

	res, err := d.Dispatch(context.Background(), testReceiver, cfg)
	require.NoError(t, err)
	require.Equal(t, "https://explorer.example/tx/ABCDEF?net=test", res.ExplorerURL)
}

func TestDispatch_CancelledDuringBackoff(t *testing.T) {
	client := &scriptedClient{failures: []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}}
	dials := 0
	d := &Dispatcher{Dial: dialerFor(client, &dials), Backoff: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, testReceiver, testConfig())
	require.EqualError(t, err, "transaction failed after 1 attempts: timeout")
	require.Equal(t, 1, client.calls)
}

func TestDispatch_UnconfirmedIsNotResigned(t *testing.T) {
	unconfirmed := &chain.UnconfirmedError{Hash: "ABCDEF", Err: errors.New("query tx ABCDEF: 502 Bad Gateway")}
	client := &scriptedClient{failures: []error{unconfirmed}}
	dials := 0
	d := &Dispatcher{Dial: dialerFor(client, &dials), Backoff: time.Millisecond}

	res, err := d.Dispatch(context.Background(), testReceiver, testConfig())
	require.Nil(t, res)
	require.Equal(t, 1, client.calls)
	require.Equal(t, DispatchTransient, KindOf(err))
	require.ErrorIs(t, err, unconfirmed)
	require.ErrorContains(t, err, "transaction failed after 1 attempts")
}

func TestDispatch_EmptyResultIsAFailure(t *testing.T) {
	client := &scriptedClient{noResult: true}
	dials := 0
	d := &Dispatcher{Dial: dialerFor(client, &dials), Backoff: time.Millisecond}

	res, err := d.Dispatch(context.Background(), testReceiver, testConfig())
	require.Nil(t, res)
	require.EqualError(t, err, "transaction failed after 3 attempts: empty broadcast result")
	require.Equal(t, 3, client.calls)
}

type fixedLocator struct {
	region string
	panic  bool
}

func (l fixedLocator) Region(context.Context, string) (string, error) {
	if l.panic {
		panic("geo database corrupted")
	}
	return l.region, nil
}

func newTestService(t *testing.T, provider config.Provider, mem ledger.Ledger, loc Locator) (*Service, *chain.Synthetic) {
	t.Helper()
	syn := chain.NewSynthetic("safro-synthetic-1")
	admitter := &Admitter{Ledger: mem}
	return &Service{
		Config:     provider,
		Admitter:   admitter,
		Dispatcher: &Dispatcher{Dial: syn.Dialer(), Backoff: time.Millisecond},
		Ledger:     mem,
		Locator:    loc,
	}, syn
}

func TestService_RecordsEveryOutcome(t *testing.T) {
	mem := ledger.NewMemory()
	svc, syn := newTestService(t, config.Static{Config: testConfig()}, mem, fixedLocator{region: "Berlin, DE"})
	ctx := context.Background()

	out := svc.Handle(ctx, Request{Identity: "1.2.3.4", Receiver: "cosmos1xyz"})
	require.Equal(t, InvalidAddress, out.Decision.Reason)

	for i := 0; i < 2; i++ {
		out = svc.Handle(ctx, Request{Identity: "1.2.3.4", Receiver: testReceiver})
		require.NoError(t, out.Err)
		require.NotNil(t, out.Result)
	}
	require.EqualValues(t, 2, syn.Height())

	out = svc.Handle(ctx, Request{Identity: "1.2.3.4", Receiver: testReceiver})
	require.Equal(t, RateLimitExceeded, out.Decision.Reason)

	out = svc.Handle(ctx, Request{Identity: "", Receiver: testReceiver})
	require.Equal(t, IdentityUndetermined, out.Decision.Reason)
	svc.Wait()

	attempts := mem.Attempts()
	require.Len(t, attempts, 5)
	outcomes := map[ledger.Outcome]int{}
	for _, a := range attempts {
		outcomes[a.Outcome]++
		if a.Outcome == ledger.OutcomeSent {
			require.True(t, a.Succeeded)
			require.NotEmpty(t, a.TxHash)
		} else {
			require.False(t, a.Succeeded)
			require.Empty(t, a.TxHash)
		}
		if a.Identity != "" {
			require.Contains(t, []string{"", "Berlin, DE"}, a.Region)
		}
	}
	require.Equal(t, map[ledger.Outcome]int{
		ledger.OutcomeSent:                 2,
		ledger.OutcomeInvalidAddress:       1,
		ledger.OutcomeRateLimited:          1,
		ledger.OutcomeIdentityUndetermined: 1,
	}, outcomes)
}

// blockingLocator answers only after release is closed.
type blockingLocator struct{ release chan struct{} }

func (l blockingLocator) Region(ctx context.Context, _ string) (string, error) {
	select {
	case <-l.release:
		return "Lisbon, PT", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestService_LimitHoldsForBackToBackRequests(t *testing.T) {
	for name, loc := range map[string]Locator{
		"no locator":   nil,
		"slow locator": blockingLocator{release: make(chan struct{})},
	} {
		t.Run(name, func(t *testing.T) {
			mem := ledger.NewMemory()
			svc, syn := newTestService(t, config.Static{Config: testConfig()}, mem, loc)
			svc.RegionTimeout = time.Hour

			served := 0
			for i := 0; i < 6; i++ {
				out := svc.Handle(context.Background(), Request{Identity: "203.0.113.5", Receiver: testReceiver})
				if out.Result != nil {
					served++
					continue
				}
				require.Equal(t, RateLimitExceeded, out.Decision.Reason, "request %d", i+1)
			}
			require.Equal(t, config.DefaultDailyRequestLimit, served)
			require.EqualValues(t, config.DefaultDailyRequestLimit, syn.Height())
			require.Len(t, mem.Attempts(), 6)
			for _, a := range mem.Attempts() {
				require.Empty(t, a.Region)
			}

			if bl, ok := loc.(blockingLocator); ok {
				close(bl.release)
			}
			svc.Wait()
		})
	}
}

// readyLocator reports the lookup done once its answer has been handed back.
type readyLocator struct{ called chan struct{} }

func (l readyLocator) Region(context.Context, string) (string, error) {
	close(l.called)
	return "Osaka, JP", nil
}

func TestService_RegionRecordedWhenReady(t *testing.T) {
	mem := ledger.NewMemory()
	loc := readyLocator{called: make(chan struct{})}
	svc, syn := newTestService(t, config.Static{Config: testConfig()}, mem, loc)
	dial := svc.Dispatcher.Dial
	svc.Dispatcher.Dial = func(ctx context.Context, endpoint string, signer *chain.Signer) (chain.Client, error) {
		<-loc.called
		time.Sleep(20 * time.Millisecond)
		return dial(ctx, endpoint, signer)
	}

	out := svc.Handle(context.Background(), Request{Identity: "1.2.3.4", Receiver: testReceiver})
	require.NotNil(t, out.Result)
	require.EqualValues(t, 1, syn.Height())
	svc.Wait()

	attempts := mem.Attempts()
	require.Len(t, attempts, 1)
	require.Equal(t, "Osaka, JP", attempts[0].Region)
}

func TestService_ConfigErrors(t *testing.T) {
	mem := ledger.NewMemory()
	broken := testConfig()
	broken.Denomination = ""
	svc, syn := newTestService(t, config.Static{Config: broken}, mem, nil)

	out := svc.Handle(context.Background(), Request{Identity: "1.2.3.4", Receiver: testReceiver})
	require.Equal(t, ConfigurationInvalid, KindOf(out.Err))
	require.ErrorContains(t, out.Err, "missing required configuration (denom)")
	require.Zero(t, syn.Height())

	svc.Wait()
	attempts := mem.Attempts()
	require.Len(t, attempts, 1)
	require.Equal(t, ledger.OutcomeConfigError, attempts[0].Outcome)
}

func TestService_LocatorPanicIsContained(t *testing.T) {
	mem := ledger.NewMemory()
	svc, _ := newTestService(t, config.Static{Config: testConfig()}, mem, fixedLocator{panic: true})

	out := svc.Handle(context.Background(), Request{Identity: "1.2.3.4", Receiver: testReceiver})
	require.NoError(t, out.Err)
	require.NotNil(t, out.Result)
	svc.Wait()

	attempts := mem.Attempts()
	require.Len(t, attempts, 1)
	require.Empty(t, attempts[0].Region)
}

func TestService_RecordFailureDoesNotChangeOutcome(t *testing.T) {
	broken := brokenLedger{err: errors.New("disk full")}
	svc, _ := newTestService(t, config.Static{Config: testConfig()}, broken, nil)

	out := svc.Handle(context.Background(), Request{Identity: "1.2.3.4", Receiver: testReceiver})
	require.NoError(t, out.Err)
	require.NotNil(t, out.Result)
	svc.Wait()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	client := &scriptedClient{failures: []error{errors.New("timeout")}}
	dials := 0
	a := &Admitter{Ledger: brokenLedger{err: errors.New("down")}, Metrics: m}
	d := &Dispatcher{Dial: dialerFor(client, &dials), Backoff: time.Millisecond, Metrics: m}

	_, err := a.Admit(context.Background(), "1.2.3.4", testReceiver, testConfig())
	require.NoError(t, err)
	_, err = a.Admit(context.Background(), "", testReceiver, testConfig())
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), testReceiver, testConfig())
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("allowed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("identity_undetermined")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ledgerErrors.WithLabelValues("count")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("success")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.attempts))

	var nilMetrics *Metrics
	nilMetrics.recordAttempt()
	nilMetrics.recordAdmission(Decision{Allowed: true})
}
