package broker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/myqtt/myqtt/encoding"
	"github.com/myqtt/myqtt/network"
	"github.com/myqtt/myqtt/pkg/logger"
	"github.com/myqtt/myqtt/qos"
	"github.com/myqtt/myqtt/session"
	"github.com/myqtt/myqtt/types/message"
)

// DefaultAuthFailureDelay blunts credential brute-force: a refused CONNECT
// waits this long before the negative CONNACK is written.
const DefaultAuthFailureDelay = 4 * time.Second

// Config assembles a broker.
type Config struct {
	Listeners   []*network.ListenerConfig
	WSListeners []WSListenerConfig
	Domains     []DomainConfig
	// SettingsBundles maps bundle names to settings; the bundle named
	// global-settings is the default.
	SettingsBundles map[string]*Settings

	AuthFailureDelay time.Duration
	Reactor          *network.ReactorConfig
	QoS              *qos.Config
}

// WSListenerConfig declares one MQTT-over-WebSocket endpoint.
type WSListenerConfig struct {
	Addr string
	Path string
}

// Client binds one accepted connection to its session, domain and delivery
// engine once CONNECT succeeded.
type Client struct {
	Conn    *network.Connection
	Session *session.Session
	Domain  *Domain
	QoS     *qos.Handler
}

// Broker is the process-wide engine: domains, dispatcher, reactor, worker
// pool and listeners. One Broker instance per process; it is threaded
// explicitly through APIs, never global.
type Broker struct {
	config     *Config
	log        *logger.Logger
	stats      *Stats
	dispatcher *Dispatcher
	reactor    *network.Reactor
	keepalive  *network.KeepAliveTracker
	hooks      hookChain

	listeners []*network.Listener
	wsServers []*network.WebSocketListener

	mu      sync.Mutex
	clients map[uint64]*Client

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New assembles a broker from its configuration.
func New(config *Config, log *logger.Logger, stats *Stats) (*Broker, error) {
	if log == nil {
		log = logger.Default()
	}
	if stats == nil {
		stats = NewStats(nil)
	}
	if config.AuthFailureDelay == 0 {
		config.AuthFailureDelay = DefaultAuthFailureDelay
	}

	b := &Broker{
		config:     config,
		log:        log,
		stats:      stats,
		dispatcher: NewDispatcher(),
		clients:    make(map[uint64]*Client),
	}

	bundles := config.SettingsBundles
	if bundles == nil {
		bundles = map[string]*Settings{}
	}
	global, ok := bundles[GlobalSettingsName]
	if !ok {
		global = DefaultSettings()
	}

	for _, domainCfg := range config.Domains {
		settings := global
		if domainCfg.UseSettings != "" {
			named, ok := bundles[domainCfg.UseSettings]
			if !ok {
				return nil, fmt.Errorf("domain %s: unknown settings bundle %q", domainCfg.Name, domainCfg.UseSettings)
			}
			settings = named
		}
		d, err := newDomain(domainCfg, settings)
		if err != nil {
			return nil, err
		}
		if err := b.dispatcher.AddDomain(d); err != nil {
			return nil, fmt.Errorf("domain %s: %w", domainCfg.Name, err)
		}
	}

	reactor, err := network.NewReactor(config.Reactor, b.handleFrame, b.handleClose, log)
	if err != nil {
		return nil, err
	}
	b.reactor = reactor
	b.keepalive = network.NewKeepAliveTracker(reactor, time.Second)

	return b, nil
}

// OnPublish appends a publish policy hook.
func (b *Broker) OnPublish(hook PublishHook) { b.hooks.addPublish(hook) }

// OnStore appends a storage admission hook.
func (b *Broker) OnStore(hook StoreHook) { b.hooks.addStore(hook) }

// OnRelease appends a post-unlink hook.
func (b *Broker) OnRelease(hook ReleaseHook) { b.hooks.addRelease(hook) }

// OnAccept appends a connection admission hook.
func (b *Broker) OnAccept(hook AcceptHook) { b.hooks.addAccept(hook) }

// Dispatcher exposes the domain dispatcher.
func (b *Broker) Dispatcher() *Dispatcher { return b.dispatcher }

// Start binds every listener and runs the reactor.
func (b *Broker) Start() error {
	var g errgroup.Group

	for _, cfg := range b.config.Listeners {
		listener, err := network.NewListener(cfg, b.acceptConn, b.log)
		if err != nil {
			return err
		}
		b.listeners = append(b.listeners, listener)
		g.Go(listener.Start)
	}

	for _, cfg := range b.config.WSListeners {
		ws := network.NewWebSocketListener(cfg.Addr, cfg.Path, b.acceptConn, b.log)
		b.wsServers = append(b.wsServers, ws)
		g.Go(ws.Start)
	}

	if err := g.Wait(); err != nil {
		b.Shutdown()
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.reactor.Run()
	}()

	b.log.Info("broker started", "backend", b.reactor.Backend(), "domains", len(b.dispatcher.Domains()))
	return nil
}

// Listeners exposes the bound listeners (tests use port 0).
func (b *Broker) Listeners() []*network.Listener { return b.listeners }

// AddProbe installs a port-sharing probe on every TCP listener.
func (b *Broker) AddProbe(probe network.ProbeHandler) {
	for _, l := range b.listeners {
		l.AddProbe(probe)
	}
}

// acceptConn receives a bootstrap connection from a listener: the probe
// prefix seeds the decoder and the connection joins the reactor in the
// initial-accept state, owning nothing until CONNECT dispatches it.
func (b *Broker) acceptConn(conn *network.Connection, prefix []byte) {
	if b.closed.Load() {
		conn.Close(network.CloseForced)
		return
	}

	if len(prefix) > 0 {
		conn.Decoder.Feed(prefix)
	}

	if err := b.reactor.Register(conn); err != nil {
		conn.Close(network.CloseForced)
	}
}

// handleFrame is the worker-side frame dispatch: the only code that
// mutates domain state for the connection.
func (b *Broker) handleFrame(conn *network.Connection, pkt encoding.Packet) {
	b.stats.PacketsReceived.WithLabelValues(pkt.Header().Type.String()).Inc()

	client := b.client(conn)

	if client == nil {
		// Initial accept: only CONNECT is legal.
		connect, ok := pkt.(*encoding.ConnectPacket)
		if !ok {
			b.reactor.CloseConn(conn, network.CloseProtocolError)
			return
		}
		b.handleConnect(conn, connect)
		return
	}

	switch p := pkt.(type) {
	case *encoding.ConnectPacket:
		// A second CONNECT on a live session is a protocol violation.
		b.reactor.CloseConn(conn, network.CloseProtocolError)
	case *encoding.PublishPacket:
		b.handlePublish(client, p)
	case *encoding.PubackPacket:
		client.QoS.HandlePuback(p.PacketID)
	case *encoding.PubrecPacket:
		client.QoS.HandlePubrec(p.PacketID)
	case *encoding.PubrelPacket:
		client.QoS.HandlePubrel(p.PacketID)
	case *encoding.PubcompPacket:
		client.QoS.HandlePubcomp(p.PacketID)
	case *encoding.SubscribePacket:
		b.handleSubscribe(client, p)
	case *encoding.UnsubscribePacket:
		b.handleUnsubscribe(client, p)
	case *encoding.PingreqPacket:
		b.send(conn, &encoding.PingrespPacket{})
	case *encoding.DisconnectPacket:
		client.Session.ClearWill()
		client.Session.SetState(session.StateDisconnecting)
		b.reactor.CloseConn(conn, network.CloseGraceful)
	default:
		b.reactor.CloseConn(conn, network.CloseProtocolError)
	}
}

func (b *Broker) client(conn *network.Connection) *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[conn.ID()]
}

// refuse answers a negative CONNACK after the anti-brute-force pause and
// closes the connection.
func (b *Broker) refuse(conn *network.Connection, code encoding.ConnackCode, delay bool) {
	b.stats.ConnectionsRefused.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
	if delay {
		time.Sleep(b.config.AuthFailureDelay)
	}
	b.send(conn, &encoding.ConnackPacket{ReturnCode: code})
	b.reactor.CloseConn(conn, network.CloseForced)
}

// handleConnect runs the CONNECT pipeline of section 3.1: protocol check,
// identifier validation, domain dispatch, limits, client-id conflict,
// CONNACK, ownership transfer and queued-message flush.
func (b *Broker) handleConnect(conn *network.Connection, pkt *encoding.ConnectPacket) {
	if !pkt.Acceptable() {
		b.refuse(conn, encoding.ConnackRefusedProtocol, false)
		return
	}

	sess := session.New()
	sess.SetState(session.StateWaitConnect)
	sess.FromConnect(pkt)
	sess.ServerName = conn.ServerName()

	if pkt.ClientID == "" {
		if !pkt.CleanSession {
			b.refuse(conn, encoding.ConnackIdentifierRejected, false)
			return
		}
		sess.AssignedID = true
	}

	domain, code, err := b.dispatcher.Resolve(pkt.Username, pkt.Password, pkt.ClientID, sess.ServerName)
	if err != nil {
		b.log.Debug("domain dispatch refused", "client", pkt.ClientID, "user", pkt.Username, "err", err)
		b.refuse(conn, code, true)
		return
	}

	if err := domain.Init(); err != nil {
		b.log.Error("domain init", "domain", domain.Name, "err", err)
		b.refuse(conn, encoding.ConnackServerUnavailable, false)
		return
	}

	if domain.ConnLimitReached() {
		b.refuse(conn, encoding.ConnackServerUnavailable, false)
		return
	}

	if sess.AssignedID {
		sess.ClientID = domain.Sessions.GenerateClientID()
	}
	clientID := sess.ClientID

	client := &Client{Conn: conn, Session: sess, Domain: domain}

	if !b.hooks.runAccept(domain, client) {
		b.refuse(conn, encoding.ConnackNotAuthorized, false)
		return
	}

	old, err := domain.Sessions.Attach(clientID, sess, conn)
	if err != nil {
		b.refuse(conn, encoding.ConnackIdentifierRejected, false)
		return
	}
	if old != nil {
		b.reactor.CloseConn(old, network.CloseForced)
	}

	// SessionPresent reflects clean_session=false AND prior persisted
	// state for this client id.
	sessionPresent := false
	if !pkt.CleanSession {
		if domain.Storage.HasClient(clientID) {
			sessionPresent = true
		} else if ok, _ := domain.Store.Exists(context.Background(), clientID); ok {
			sessionPresent = true
		}
	} else {
		// Clean session discards any prior state at connect.
		domain.Storage.RemoveClient(clientID)
		domain.Store.Delete(context.Background(), clientID)
		domain.Router.RemoveClient(clientID)
	}

	if err := domain.Storage.InitClient(clientID); err != nil {
		domain.Sessions.Detach(clientID, conn)
		b.refuse(conn, encoding.ConnackServerUnavailable, false)
		return
	}

	client.QoS = b.newQoSHandler(client)

	// The inbound size limit becomes enforceable now that the domain is
	// known; the predicate sees the header before the payload is read.
	if !Unlimited(domain.Settings.MessageSizeLimit) {
		limit := uint32(domain.Settings.MessageSizeLimit)
		conn.Decoder.SetPredicate(func(fh *encoding.FixedHeader) error {
			if fh.RemainingLength > limit {
				return fmt.Errorf("message size %d exceeds domain limit %d", fh.RemainingLength, limit)
			}
			return nil
		})
	}

	b.mu.Lock()
	b.clients[conn.ID()] = client
	b.mu.Unlock()

	sess.SetState(session.StateConnected)
	b.send(conn, &encoding.ConnackPacket{
		SessionPresent: sessionPresent,
		ReturnCode:     encoding.ConnackAccepted,
	})

	// Restore persisted subscriptions into the online set.
	if sessionPresent {
		if subs, err := domain.Storage.Subscriptions(clientID); err == nil {
			for _, sub := range subs {
				domain.Router.Subscribe(clientID, sub.Filter, sub.QoS, true)
				sess.AddSubscription(sub.Filter, sub.QoS)
			}
		}
		domain.Router.SetOnline(clientID, true)
	}

	b.keepalive.Track(conn, sess.KeepAlive)

	b.stats.ConnectionsTotal.WithLabelValues(domain.Name).Inc()
	b.stats.ConnectionsActive.WithLabelValues(domain.Name).Inc()
	b.log.Info("client connected", "domain", domain.Name, "client", clientID,
		"clean_session", pkt.CleanSession, "keep_alive", pkt.KeepAlive)

	// Queued messages flush runs asynchronously, off the CONNECT worker.
	if sessionPresent {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.flushQueued(client)
		}()
	}
}

// newQoSHandler binds a delivery engine to one client's connection and its
// domain storage.
func (b *Broker) newQoSHandler(client *Client) *qos.Handler {
	domain := client.Domain
	clientID := client.Session.ClientID
	conn := client.Conn

	return qos.NewHandler(b.config.QoS, qos.Callbacks{
		Send: func(pkt encoding.Packet) error {
			b.stats.PacketsSent.WithLabelValues(pkt.Header().Type.String()).Inc()
			return conn.WritePacket(pkt)
		},
		Deliver: func(msg *message.Message) error {
			return b.routePublish(client, msg)
		},
		Store: func(msg *message.Message) (string, error) {
			if !b.hooks.runStore(domain, clientID, msg) || !domain.StorageAdmits(clientID, msg.Size()) {
				return "", qos.ErrStorageRejected
			}
			frame, err := encodeFrame(msg.ToPublish())
			if err != nil {
				return "", err
			}
			return domain.Storage.StoreMessage(clientID, msg.PacketID, msg.QoS, frame)
		},
		Release: func(handle string) {
			domain.Storage.ReleaseMessage(clientID, handle)
			b.hooks.runRelease(domain, clientID, handle)
		},
		LockPacketID: func(packetID uint16) bool {
			return domain.Storage.LockPacketID(clientID, packetID) == nil
		},
		UnlockPacketID: func(packetID uint16) {
			domain.Storage.UnlockPacketID(clientID, packetID)
		},
		OnMaxRetry: func(msg *message.Message) {
			b.stats.MessagesDropped.WithLabelValues(domain.Name, "max-retry").Inc()
		},
	})
}

// handlePublish processes an inbound PUBLISH at its QoS level: QoS 0
// routes, QoS 1 routes then PUBACKs, QoS 2 locks the packet id, routes
// exactly once and PUBRECs.
func (b *Broker) handlePublish(client *Client, pkt *encoding.PublishPacket) {
	msg := message.FromPublish(pkt, client.Session.ClientID)

	if err := client.QoS.HandleInboundPublish(msg); err != nil {
		b.log.Debug("inbound publish", "client", client.Session.ClientID, "err", err)
	}
}

// routePublish fans one message out to every matching subscriber of the
// publisher's domain, honoring policy hooks, quotas and the retained flag.
func (b *Broker) routePublish(publisher *Client, msg *message.Message) error {
	domain := publisher.Domain

	if !domain.ChargeMessageQuota(msg.ClientID, time.Now()) {
		b.stats.MessagesDropped.WithLabelValues(domain.Name, "quota").Inc()
		return nil
	}

	switch b.hooks.runPublish(domain, publisher, msg) {
	case PublishDiscard:
		b.stats.MessagesDropped.WithLabelValues(domain.Name, "policy").Inc()
		return nil
	case PublishCloseConn:
		b.reactor.CloseConn(publisher.Conn, network.CloseForced)
		return nil
	}

	if msg.Retain {
		domain.Retained.Set(msg)
		domain.Storage.StoreRetained(msg.Topic, msg.QoS, msg.Payload)
		b.stats.RetainedMessages.WithLabelValues(domain.Name).Set(float64(domain.Retained.Count()))
	}

	b.stats.MessagesPublished.WithLabelValues(domain.Name).Inc()
	b.fanOut(domain, msg)
	return nil
}

// fanOut delivers one message to each matched subscriber at
// min(publish QoS, granted QoS). Online subscribers get it on their own
// connection's delivery engine; offline clean_session=false subscribers
// get it queued in storage.
func (b *Broker) fanOut(domain *Domain, msg *message.Message) {
	for _, sub := range domain.Router.Match(msg.Topic) {
		out := msg.CopyForSubscriber(sub.QoS)
		// The retained flag on a routed delivery is zero; only deliveries
		// answering a new subscription keep it set.
		out.Retain = false

		entry, online := domain.Sessions.Get(sub.ClientID)
		if online {
			b.deliverOnline(domain, entry, out)
			continue
		}
		b.queueOffline(domain, sub.ClientID, out)
	}
}

func (b *Broker) deliverOnline(domain *Domain, entry *session.Entry, out *message.Message) {
	subscriber := b.client(entry.Conn)
	if subscriber == nil {
		return
	}

	if _, err := subscriber.QoS.SendPublish(out); err != nil {
		b.stats.MessagesDropped.WithLabelValues(domain.Name, "send").Inc()
		return
	}
	b.stats.MessagesDelivered.WithLabelValues(domain.Name).Inc()
}

func (b *Broker) queueOffline(domain *Domain, clientID string, out *message.Message) {
	// QoS 0 messages are not queued for offline clients.
	if out.QoS == encoding.QoS0 {
		return
	}

	if !b.hooks.runStore(domain, clientID, out) || !domain.StorageAdmits(clientID, out.Size()) {
		b.stats.MessagesDropped.WithLabelValues(domain.Name, "storage-limit").Inc()
		return
	}

	// A QoS > 0 PUBLISH cannot encode packet id 0, so the stored frame
	// carries a placeholder; flushQueued resubmits it through SendPublish,
	// which assigns the id used on the wire.
	queued := *out
	queued.PacketID = 1
	frame, err := encodeFrame(queued.ToPublish())
	if err != nil {
		return
	}
	if _, err := domain.Storage.StoreMessage(clientID, 0, out.QoS, frame); err != nil {
		b.stats.MessagesDropped.WithLabelValues(domain.Name, "storage").Inc()
		return
	}
	b.stats.MessagesQueued.WithLabelValues(domain.Name).Inc()
}

// flushQueued resubmits a reconnecting client's stored messages through the
// delivery engine, unlinking each on success.
func (b *Broker) flushQueued(client *Client) {
	domain := client.Domain
	clientID := client.Session.ClientID

	queued, err := domain.Storage.QueuedMessages(clientID)
	if err != nil {
		b.log.Error("queued flush", "client", clientID, "err", err)
		return
	}

	for _, entry := range queued {
		frame, err := domain.Storage.ReadMessage(entry.Path)
		if err != nil {
			continue
		}
		pkt, err := decodeFrame(frame)
		if err != nil {
			// Unreadable entries are dropped, not retried forever.
			domain.Storage.ReleaseMessage(clientID, entry.Path)
			continue
		}
		publish, ok := pkt.(*encoding.PublishPacket)
		if !ok {
			domain.Storage.ReleaseMessage(clientID, entry.Path)
			continue
		}

		msg := message.FromPublish(publish, "")
		if _, err := client.QoS.SendPublish(msg); err != nil {
			// Connection went away mid-flush; remaining entries stay queued.
			return
		}
		domain.Storage.ReleaseMessage(clientID, entry.Path)
		b.stats.MessagesDelivered.WithLabelValues(domain.Name).Inc()
	}
}

// handleSubscribe grants each requested filter, persists it for
// clean_session=false sessions, answers SUBACK and seeds the subscription
// with matching retained messages.
func (b *Broker) handleSubscribe(client *Client, pkt *encoding.SubscribePacket) {
	domain := client.Domain
	clientID := client.Session.ClientID

	returnCodes := make([]byte, 0, len(pkt.Subscriptions))
	granted := make([]encoding.Subscription, 0, len(pkt.Subscriptions))

	for _, sub := range pkt.Subscriptions {
		err := domain.Router.Subscribe(clientID, sub.TopicFilter, sub.QoS, true)
		if err != nil {
			returnCodes = append(returnCodes, encoding.SubackFailure)
			continue
		}

		client.Session.AddSubscription(sub.TopicFilter, sub.QoS)
		if !client.Session.CleanSession {
			domain.Storage.RecordSubscription(clientID, sub.TopicFilter, sub.QoS)
			domain.Store.Save(context.Background(), session.RecordOf(client.Session))
		}

		returnCodes = append(returnCodes, byte(sub.QoS))
		granted = append(granted, sub)
	}

	b.send(client.Conn, &encoding.SubackPacket{
		PacketID:    pkt.PacketID,
		ReturnCodes: returnCodes,
	})

	// Retained delivery: one synthetic PUBLISH (retain=true) per retained
	// message matching each granted filter.
	for _, sub := range granted {
		for _, retained := range domain.Retained.MatchFilter(sub.TopicFilter) {
			out := retained.CopyForSubscriber(sub.QoS)
			out.Retain = true
			if _, err := client.QoS.SendPublish(out); err != nil {
				return
			}
		}
	}
}

// handleUnsubscribe removes each filter from the router, session and
// persisted state, then answers UNSUBACK.
func (b *Broker) handleUnsubscribe(client *Client, pkt *encoding.UnsubscribePacket) {
	domain := client.Domain
	clientID := client.Session.ClientID

	for _, filter := range pkt.TopicFilters {
		domain.Router.Unsubscribe(clientID, filter)
		client.Session.RemoveSubscription(filter)
		if !client.Session.CleanSession {
			domain.Storage.RemoveSubscription(clientID, filter)
			domain.Store.Save(context.Background(), session.RecordOf(client.Session))
		}
	}

	b.send(client.Conn, &encoding.UnsubackPacket{PacketID: pkt.PacketID})
}

// handleClose runs on a worker whenever the reactor tears a connection
// down: Will delivery for abnormal closes, session detach, state
// persistence or cleanup.
func (b *Broker) handleClose(conn *network.Connection, reason network.CloseReason) {
	b.mu.Lock()
	client, ok := b.clients[conn.ID()]
	delete(b.clients, conn.ID())
	b.mu.Unlock()

	b.keepalive.Untrack(conn)

	if !ok {
		return // bootstrap connection that never completed CONNECT
	}

	domain := client.Domain
	sess := client.Session
	clientID := sess.ClientID

	sess.SetState(session.StateClosed)
	domain.Sessions.Detach(clientID, conn)
	b.stats.ConnectionsActive.WithLabelValues(domain.Name).Dec()

	// TakeWill is single-shot, so the Will publishes exactly once even if
	// teardown races.
	if reason.TriggersWill() {
		if will := sess.TakeWill(); will != nil {
			msg := message.New(0, will.Topic, will.Payload, will.QoS, will.Retain)
			b.routePublish(client, msg)
		}
	}

	if sess.CleanSession {
		domain.Router.RemoveClient(clientID)
		domain.Storage.RemoveClient(clientID)
		domain.Store.Delete(context.Background(), clientID)
	} else {
		domain.Router.SetOnline(clientID, false)
		domain.Store.Save(context.Background(), session.RecordOf(sess))
	}

	client.QoS.Close()
	b.log.Info("client disconnected", "domain", domain.Name, "client", clientID, "reason", reason.String())
}

// send encodes and writes one packet, counting it.
func (b *Broker) send(conn *network.Connection, pkt encoding.Packet) {
	b.stats.PacketsSent.WithLabelValues(pkt.Header().Type.String()).Inc()
	if err := conn.WritePacket(pkt); err != nil {
		b.log.Debug("write failed", "conn", conn.ID(), "err", err)
	}
}

// Shutdown stops listeners, the reactor and every live session.
func (b *Broker) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	for _, l := range b.listeners {
		l.Close()
	}
	for _, ws := range b.wsServers {
		ws.Close()
	}

	b.reactor.Shutdown()
	b.wg.Wait()

	for _, d := range b.dispatcher.Domains() {
		d.Store.Close()
	}

	b.log.Info("broker stopped")
}

func encodeFrame(pkt encoding.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFrame(frame []byte) (encoding.Packet, error) {
	fh, n, err := encoding.ParseFixedHeaderFromBytes(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < n+int(fh.RemainingLength) {
		return nil, encoding.ErrUnexpectedEOF
	}
	return encoding.ParsePacket(fh, frame[n:n+int(fh.RemainingLength)])
}
