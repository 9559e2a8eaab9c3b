package relayclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/relay/pkg/broker"
	"github.com/sage-x-project/relay/pkg/cryptokeys"
	"github.com/sage-x-project/relay/pkg/handshake"
	"github.com/sage-x-project/relay/pkg/kv"
	"github.com/sage-x-project/relay/pkg/relayerr"
	"github.com/sage-x-project/relay/pkg/reltransport"
	"github.com/sage-x-project/relay/pkg/sessionstore"
)

// recorder captures every host-facing event so tests can assert on exactly
// what the application layer observed.
type recorder struct {
	requests   chan handshake.SessionRequest
	otps       chan string
	challenges chan *handshake.OTPChallenge
	connected  chan *sessionstore.Session
	messages   chan json.RawMessage
	errs       chan error

	mu          sync.Mutex
	failNextMsg bool
}

func newRecorder() *recorder {
	return &recorder{
		requests:   make(chan handshake.SessionRequest, 4),
		otps:       make(chan string, 4),
		challenges: make(chan *handshake.OTPChallenge, 4),
		connected:  make(chan *sessionstore.Session, 4),
		messages:   make(chan json.RawMessage, 16),
		errs:       make(chan error, 16),
	}
}

func (r *recorder) OnSessionRequest(_ context.Context, req handshake.SessionRequest) error {
	r.requests <- req
	return nil
}

func (r *recorder) OnDisplayOTP(_ context.Context, otp string, _ time.Time) error {
	r.otps <- otp
	return nil
}

func (r *recorder) OnOTPRequired(_ context.Context, c *handshake.OTPChallenge) error {
	r.challenges <- c
	return nil
}

func (r *recorder) OnConnected(_ context.Context, s *sessionstore.Session) error {
	r.connected <- s
	return nil
}

func (r *recorder) OnDisconnected(context.Context) error { return nil }

func (r *recorder) OnError(_ context.Context, err error) error {
	select {
	case r.errs <- err:
	default:
	}
	return nil
}

func (r *recorder) OnMessage(_ context.Context, payload json.RawMessage) error {
	r.mu.Lock()
	fail := r.failNextMsg
	r.failNextMsg = false
	r.mu.Unlock()
	if fail {
		return relayerr.New(relayerr.Unknown, "host not ready")
	}
	r.messages <- payload
	return nil
}

func (r *recorder) failNextMessage() {
	r.mu.Lock()
	r.failNextMsg = true
	r.mu.Unlock()
}

// peer bundles one side's full stack so tests can reach into the transport
// (to sever connections) and the KV store (to simulate restarts).
type peer struct {
	kvs       kv.Store
	transport *reltransport.Transport
	sessions  *sessionstore.Store
	km        cryptokeys.KeyManager
	rec       *recorder
}

func newPeer(t *testing.T, hub *broker.Hub, name string) *peer {
	t.Helper()
	return newPeerWithStore(t, hub, name, kv.NewMemoryStore())
}

func newPeerWithStore(t *testing.T, hub *broker.Hub, name string, store kv.Store) *peer {
	t.Helper()
	ctx := context.Background()
	tr, err := reltransport.New(ctx, broker.NewMemoryBroker(hub, name), store)
	require.NoError(t, err)
	ss, err := sessionstore.New(ctx, store)
	require.NoError(t, err)
	return &peer{
		kvs:       store,
		transport: tr,
		sessions:  ss,
		km:        cryptokeys.NewSecp256k1Manager(),
		rec:       newRecorder(),
	}
}

func (p *peer) initiator() *Initiator {
	return NewInitiator(p.transport, p.sessions, p.km, p.rec, nil)
}

func (p *peer) responder() *Responder {
	return NewResponder(p.transport, p.sessions, p.km, p.rec, nil)
}

func recvReq(t *testing.T, ch <-chan handshake.SessionRequest) handshake.SessionRequest {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session request")
		panic("unreachable")
	}
}

func recvMsg(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		panic("unreachable")
	}
}

func assertNoMsg(t *testing.T, ch <-chan json.RawMessage, d time.Duration) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message: %s", m)
	case <-time.After(d):
	}
}

type connectResult struct {
	sess *sessionstore.Session
	err  error
}

// connectPair drives a full handshake between a fresh initiator and
// responder, submitting the OTP when mode is untrusted, and returns both
// connected clients and the shared session id.
func connectPair(t *testing.T, ini *Initiator, res *Responder, mode handshake.Mode, initialPayload json.RawMessage) string {
	t.Helper()
	ctx := context.Background()

	iniDone := make(chan connectResult, 1)
	go func() {
		s, err := ini.Connect(ctx, InitiatorOptions{Mode: mode, InitialPayload: initialPayload})
		iniDone <- connectResult{s, err}
	}()

	iniRec := ini.Events.(*recorder)
	resRec := res.Events.(*recorder)
	req := recvReq(t, iniRec.requests)

	resDone := make(chan connectResult, 1)
	go func() {
		s, err := res.Connect(ctx, req)
		resDone <- connectResult{s, err}
	}()

	if mode == handshake.ModeUntrusted {
		select {
		case otp := <-resRec.otps:
			select {
			case challenge := <-iniRec.challenges:
				require.Equal(t, handshake.SubmissionCorrect, challenge.Submit(otp).Kind)
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for otp challenge")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for displayed otp")
		}
	}

	var iniOut, resOut connectResult
	select {
	case iniOut = <-iniDone:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator connect timed out")
	}
	select {
	case resOut = <-resDone:
	case <-time.After(5 * time.Second):
		t.Fatal("responder connect timed out")
	}

	require.NoError(t, iniOut.err)
	require.NoError(t, resOut.err)
	require.Equal(t, iniOut.sess.ID, resOut.sess.ID)
	require.Equal(t, iniOut.sess.Channel, resOut.sess.Channel)

	// A peer never reaches CONNECTED without a validated peer key.
	require.NoError(t, ini.KeyManager.ValidatePeerKey(iniOut.sess.TheirPublicKey))
	require.NoError(t, res.KeyManager.ValidatePeerKey(resOut.sess.TheirPublicKey))

	return iniOut.sess.ID
}

func TestTrustedHappyPathExchangesMessages(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	connectPair(t, ini, res, handshake.ModeTrusted, nil)

	ok, err := ini.SendRequest(ctx, json.RawMessage(`{"method":"ping"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"method":"ping"}`, string(recvMsg(t, resPeer.rec.messages)))

	ok, err = res.SendResponse(ctx, json.RawMessage(`{"result":42}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"result":42}`, string(recvMsg(t, iniPeer.rec.messages)))
}

func TestUntrustedOTPHappyPath(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	connectPair(t, ini, res, handshake.ModeUntrusted, nil)

	ok, err := ini.SendRequest(ctx, json.RawMessage(`{"method":"ping"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"method":"ping"}`, string(recvMsg(t, resPeer.rec.messages)))
}

func TestOTPExhaustionRejectsConnectAndPersistsNothing(t *testing.T) {
	ctx := context.Background()
	resRunCtx, cancelResponder := context.WithCancel(ctx)
	defer cancelResponder()

	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	iniDone := make(chan connectResult, 1)
	go func() {
		s, err := ini.Connect(ctx, InitiatorOptions{Mode: handshake.ModeUntrusted})
		iniDone <- connectResult{s, err}
	}()

	req := recvReq(t, iniPeer.rec.requests)
	go func() {
		_, _ = res.Connect(resRunCtx, req)
	}()

	otp := <-resPeer.rec.otps
	challenge := <-iniPeer.rec.challenges

	wrong := "000000"
	if otp == wrong {
		wrong = "000001"
	}
	challenge.Submit(wrong)
	challenge.Submit(wrong)
	challenge.Submit(wrong)

	var iniOut connectResult
	select {
	case iniOut = <-iniDone:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator connect timed out")
	}
	require.Error(t, iniOut.err)
	assert.True(t, relayerr.HasKind(iniOut.err, relayerr.OTPMaxAttemptsReached))
	assert.Equal(t, handshake.StateDisconnected, ini.State())

	ids, err := iniPeer.sessions.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExpiredRequestRejectedBeforeBrokerIO(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	resPeer := newPeer(t, hub, "res")
	res := resPeer.responder()

	req := handshake.SessionRequest{
		ID:        "stale",
		Mode:      handshake.ModeUntrusted,
		Channel:   "handshake:stale",
		ExpiresAt: time.Now().Add(-time.Millisecond).UnixMilli(),
	}

	_, err := res.Connect(ctx, req)
	require.Error(t, err)
	assert.True(t, relayerr.HasKind(err, relayerr.RequestExpired))
	assert.Equal(t, handshake.StateDisconnected, res.State())
}

func TestResumeAfterConnectionDropExchangesMessages(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	id := connectPair(t, ini, res, handshake.ModeTrusted, nil)

	// Forcibly drop both broker links without tearing down the sessions.
	require.NoError(t, iniPeer.transport.Disconnect(ctx))
	require.NoError(t, resPeer.transport.Disconnect(ctx))

	_, err := ini.Resume(ctx, id)
	require.NoError(t, err)
	_, err = res.Resume(ctx, id)
	require.NoError(t, err)

	ok, err := ini.SendRequest(ctx, json.RawMessage(`{"method":"after-resume"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"method":"after-resume"}`, string(recvMsg(t, resPeer.rec.messages)))

	// Sessions on disk are unchanged by the drop/resume cycle.
	_, ok2, err := iniPeer.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok2)
	_, ok2, err = resPeer.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok2)
}

func TestResumeUnknownSessionFailsNotFound(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	ini := newPeer(t, hub, "ini").initiator()

	_, err := ini.Resume(ctx, "no-such-session")
	require.Error(t, err)
	assert.True(t, relayerr.HasKind(err, relayerr.SessionNotFound))
}

func TestDedupAcrossRestartConfirmedMessageNotRedelivered(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resStore := kv.NewMemoryStore()
	resPeer := newPeerWithStore(t, hub, "res", resStore)
	ini := iniPeer.initiator()
	res := resPeer.responder()

	id := connectPair(t, ini, res, handshake.ModeTrusted, nil)

	ok, err := ini.SendRequest(ctx, json.RawMessage(`{"method":"once"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	recvMsg(t, resPeer.rec.messages)

	// The nonce confirm lands just after the host callback returns; wait
	// for it to persist before simulating the restart.
	dedupKey := "latestNonces:" + resPeer.transport.ClientID() + ":" + res.CurrentSession().Channel
	require.Eventually(t, func() bool {
		raw, ok, err := resStore.Get(ctx, dedupKey)
		return err == nil && ok && raw != "" && raw != "{}"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, resPeer.transport.Disconnect(ctx))

	// Restart: same KV store, fresh broker client and client stack.
	restarted := newPeerWithStore(t, hub, "res2", resStore)
	res2 := restarted.responder()
	_, err = res2.Resume(ctx, id)
	require.NoError(t, err)

	assertNoMsg(t, restarted.rec.messages, 500*time.Millisecond)
}

func TestDedupAcrossRestartUnconfirmedMessageRedeliveredOnce(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resStore := kv.NewMemoryStore()
	resPeer := newPeerWithStore(t, hub, "res", resStore)
	ini := iniPeer.initiator()
	res := resPeer.responder()

	id := connectPair(t, ini, res, handshake.ModeTrusted, nil)

	// The host errors on first delivery, so the nonce is never confirmed.
	resPeer.rec.failNextMessage()
	ok, err := ini.SendRequest(ctx, json.RawMessage(`{"method":"retry-me"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-resPeer.rec.errs:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a delivery error before restart")
	}

	require.NoError(t, resPeer.transport.Disconnect(ctx))

	restarted := newPeerWithStore(t, hub, "res2", resStore)
	res2 := restarted.responder()
	_, err = res2.Resume(ctx, id)
	require.NoError(t, err)

	assert.JSONEq(t, `{"method":"retry-me"}`, string(recvMsg(t, restarted.rec.messages)))
	assertNoMsg(t, restarted.rec.messages, 300*time.Millisecond)
}

func TestOneSidedPartitionDeliversExactlyOnceAfterReconnect(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	connectPair(t, ini, res, handshake.ModeTrusted, nil)

	hub.Partition("res")

	ok, err := ini.SendRequest(ctx, json.RawMessage(`{"seq":1}`))
	require.NoError(t, err)
	assert.True(t, ok)

	assertNoMsg(t, resPeer.rec.messages, 500*time.Millisecond)

	hub.Heal("res")
	require.NoError(t, resPeer.transport.Reconnect(ctx))

	assert.JSONEq(t, `{"seq":1}`, string(recvMsg(t, resPeer.rec.messages)))
	assertNoMsg(t, resPeer.rec.messages, 300*time.Millisecond)

	ok, err = ini.SendRequest(ctx, json.RawMessage(`{"seq":2}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"seq":2}`, string(recvMsg(t, resPeer.rec.messages)))
}

func TestInitialPayloadDeliveredAsFirstResponderMessage(t *testing.T) {
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	connectPair(t, ini, res, handshake.ModeTrusted, json.RawMessage(`{"method":"eth_requestAccounts"}`))

	assert.JSONEq(t, `{"method":"eth_requestAccounts"}`, string(recvMsg(t, resPeer.rec.messages)))
}

func TestDisconnectDeletesSessionAndZeroesKeys(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	id := connectPair(t, ini, res, handshake.ModeTrusted, nil)

	sess := ini.CurrentSession()
	require.NotNil(t, sess)

	require.NoError(t, ini.Disconnect(ctx))

	assert.Nil(t, ini.CurrentSession())
	assert.Equal(t, handshake.StateDisconnected, ini.State())

	_, ok, err := iniPeer.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "disconnect must delete the persisted session")

	for _, b := range sess.KeyPair.PrivateKey {
		require.Zero(t, b, "private key must be zeroed on disconnect")
	}
}

func TestSendFailsOnExpiredSession(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewHub(50)
	iniPeer := newPeer(t, hub, "ini")
	resPeer := newPeer(t, hub, "res")
	ini := iniPeer.initiator()
	res := resPeer.responder()

	connectPair(t, ini, res, handshake.ModeTrusted, nil)

	// Force the in-memory session past its expiry.
	ini.CurrentSession().ExpiresAt = time.Now().Add(-time.Second)

	_, err := ini.SendRequest(ctx, json.RawMessage(`{"late":true}`))
	require.Error(t, err)
	assert.True(t, relayerr.HasKind(err, relayerr.SessionExpired))
}
