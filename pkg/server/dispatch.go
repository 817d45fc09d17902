package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/lattechat/latte/pkg/auth"
	"github.com/lattechat/latte/pkg/protocol"
)

// checksumPattern accepts an MD5 digest: exactly 32 lowercase hex digits.
var checksumPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// Dispatcher turns one session's requests into replies. Beyond the
// bound username and authenticated flag it is stateless; all shared
// state lives in the registries.
type Dispatcher struct {
	self    Peer
	confirm func() // heartbeat confirmation hook into the owning session
	reg     *Registries
	creds   auth.Store
	metrics *Metrics
	log     *slog.Logger

	mu            sync.Mutex
	username      string
	authenticated bool
}

func NewDispatcher(self Peer, confirm func(), reg *Registries, creds auth.Store, metrics *Metrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		self:    self,
		confirm: confirm,
		reg:     reg,
		creds:   creds,
		metrics: metrics,
		log:     log,
	}
}

// Username returns the bound username, or "" before login.
func (d *Dispatcher) Username() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.username
}

func (d *Dispatcher) bound() (username string, authenticated bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.username, d.authenticated
}

// Handle processes one request and returns the reply to send, or nil
// when the request has none (heartbeat confirmation). loggedOut is
// true when the session should close after sending the reply.
func (d *Dispatcher) Handle(msg *protocol.Message) (reply *protocol.Message, loggedOut bool) {
	// Requests valid before login.
	switch msg.Code {
	case protocol.RequestLogin:
		return d.login(msg), false
	case protocol.HeartbeatResponse:
		d.confirm()
		return nil, false
	}

	if d.Username() == "" {
		return errorReply(protocol.ErrorNotLoggedIn, "You need to log in first!"), false
	}

	switch msg.Code {
	case protocol.RequestLogout:
		return d.logout(msg), true
	case protocol.RequestBroadcast:
		return d.broadcast(msg), false
	case protocol.RequestListUsers:
		return d.listUsers(), false
	case protocol.RequestListGroups:
		return d.listGroups(), false
	case protocol.RequestCreateGroup:
		return d.createGroup(msg), false
	case protocol.RequestJoinGroup:
		return d.joinGroup(msg), false
	case protocol.RequestLeaveGroup:
		return d.leaveGroup(msg), false
	case protocol.RequestGroupMessage:
		return d.groupMessage(msg), false
	case protocol.RequestPrivateMessage:
		return d.privateMessage(msg), false
	case protocol.RequestSendFile:
		return d.sendFile(msg), false
	case protocol.RequestReceiveFile:
		return d.receiveFile(msg), false
	case protocol.RequestSubmitKey:
		return d.submitKey(msg), false
	case protocol.RequestGetKey:
		return d.getKey(msg), false
	case protocol.EncryptionSetKey:
		return d.forwardSessionKey(msg), false
	default:
		return errorReply(protocol.ErrorUnexpected, "Cannot handle the received message!"), false
	}
}

func (d *Dispatcher) login(msg *protocol.Message) *protocol.Message {
	if d.Username() != "" {
		return errorReply(protocol.ErrorUnexpected, "Already logged in!")
	}
	username, ok := msg.Field("username")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Username to log in is not specified!")
	}
	if len(username) < 3 {
		return errorReply(protocol.ErrorInvalidFormat, "Username is too short!")
	}
	if _, taken := d.reg.Sessions.Get(username); taken {
		return errorReply(protocol.ErrorAlreadyLoggedIn, "User is already logged in!")
	}

	// Password authentication is optional; without it the session is
	// anonymous but still bound to the username.
	authenticated := false
	if password, withPassword := msg.Field("password"); withPassword {
		hash, found := d.creds.Lookup(username)
		if !found {
			d.metrics.FailedLogins.Add(1)
			return errorReply(protocol.ErrorUnauthorized, "Username or password is incorrect!")
		}
		match, err := auth.VerifyPassword(password, hash)
		if err != nil {
			d.log.Warn("stored credential hash unusable", "user", username, "err", err)
		}
		if !match {
			d.metrics.FailedLogins.Add(1)
			return errorReply(protocol.ErrorUnauthorized, "Username or password is incorrect!")
		}
		authenticated = true
	}

	if !d.reg.Sessions.Bind(username, d.self, authenticated) {
		return errorReply(protocol.ErrorAlreadyLoggedIn, "User is already logged in!")
	}

	d.mu.Lock()
	d.username = username
	d.authenticated = authenticated
	d.mu.Unlock()

	d.metrics.Logins.Add(1)
	d.log.Info("user logged in", "user", username, "authenticated", authenticated)

	reply, err := protocol.NewMessage(protocol.AckLogin).
		Payload(username).
		BoolField("authenticated", authenticated).
		Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) logout(msg *protocol.Message) *protocol.Message {
	username := d.Username()
	d.reg.Sessions.Unbind(username, d.self)
	d.log.Info("user logged out", "user", username)

	reply, err := protocol.NewMessage(protocol.AckLogout).Payload(msg.Payload).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) broadcast(msg *protocol.Message) *protocol.Message {
	username, authenticated := d.bound()
	chat, err := protocol.NewMessage(protocol.Chat).
		Payload(msg.Payload).
		Sender(username).
		BoolField("authenticated", authenticated).
		Build()
	if err != nil {
		return internalError(err)
	}

	for _, info := range d.reg.Sessions.Snapshot() {
		if info.Peer != d.self {
			info.Peer.Enqueue(chat, "")
		}
	}
	d.metrics.Broadcasts.Add(1)

	reply, err := protocol.NewMessage(protocol.AckBroadcast).Payload(msg.Payload).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) listUsers() *protocol.Message {
	var b strings.Builder
	for i, info := range d.reg.Sessions.Snapshot() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "{%s,%s}", info.Username, listFlag(info.Authenticated))
	}

	reply, err := protocol.NewMessage(protocol.AckListUsers).Payload(b.String()).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) listGroups() *protocol.Message {
	var b strings.Builder
	for i, info := range d.reg.Groups.List(d.Username()) {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "{%s,%s}", info.Name, listFlag(info.Member))
	}

	reply, err := protocol.NewMessage(protocol.AckListGroups).Payload(b.String()).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) createGroup(msg *protocol.Message) *protocol.Message {
	group, ok := msg.Field("groupname")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Group to create is not specified!")
	}
	if !d.reg.Groups.Create(group) {
		return errorReply(protocol.ErrorNotAllowed, "Requested group already exists!")
	}

	username := d.Username()
	d.reg.Groups.Join(group, username)
	d.metrics.GroupsCreated.Add(1)
	d.log.Info("group created", "group", group, "creator", username)

	reply, err := protocol.NewMessage(protocol.AckCreateGroup).Payload(group).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) joinGroup(msg *protocol.Message) *protocol.Message {
	group, ok := msg.Field("groupname")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Group to join is not specified!")
	}

	username, authenticated := d.bound()
	exists, _ := d.reg.Groups.Join(group, username)
	if !exists {
		return errorReply(protocol.ErrorNotFound, "Requested group not found!")
	}

	notice, err := protocol.NewMessage(protocol.GroupNewUser).
		Username(username).
		Groupname(group).
		BoolField("authenticated", authenticated).
		Build()
	if err != nil {
		return internalError(err)
	}
	d.notifyGroup(group, username, notice)
	d.log.Info("user joined group", "group", group, "user", username)

	reply, err := protocol.NewMessage(protocol.AckJoinGroup).Payload(group).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) leaveGroup(msg *protocol.Message) *protocol.Message {
	group, ok := msg.Field("groupname")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Group to leave is not specified!")
	}

	username := d.Username()
	exists, wasMember := d.reg.Groups.Leave(group, username)
	if !exists {
		return errorReply(protocol.ErrorNotFound, "Could not find group to leave!")
	}
	if !wasMember {
		return errorReply(protocol.ErrorNotFound, "You are not in this group!")
	}
	d.log.Info("user left group", "group", group, "user", username)

	reply, err := protocol.NewMessage(protocol.AckLeaveGroup).Payload(group).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) groupMessage(msg *protocol.Message) *protocol.Message {
	group, ok := msg.Field("groupname")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find groupname to send group message to!")
	}
	if !d.reg.Groups.Exists(group) {
		return errorReply(protocol.ErrorNotFound, "Group not found!")
	}

	username, authenticated := d.bound()
	if !d.reg.Groups.IsMember(group, username) {
		return errorReply(protocol.ErrorNotFound, "You are not in this group!")
	}
	d.reg.Groups.Touch(group, username)

	chat, err := protocol.NewMessage(protocol.Chat).
		Payload(msg.Payload).
		Sender(username).
		Groupname(group).
		BoolField("authenticated", authenticated).
		Build()
	if err != nil {
		return internalError(err)
	}
	d.notifyGroup(group, username, chat)
	d.metrics.GroupMessages.Add(1)

	reply, err := protocol.NewMessage(protocol.AckGroupMessage).Payload(msg.Payload).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) privateMessage(msg *protocol.Message) *protocol.Message {
	target, ok := msg.Field("username")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find username to send direct message to!")
	}
	peer, ok := d.reg.Sessions.Get(target)
	if !ok {
		return errorReply(protocol.ErrorNotFound, "Message target user not found!")
	}

	username, authenticated := d.bound()
	chat, err := protocol.NewMessage(protocol.Chat).
		Payload(msg.Payload).
		Sender(username).
		BoolField("authenticated", authenticated).
		BoolField("encrypted", msg.BoolField("encrypted")).
		Build()
	if err != nil {
		return internalError(err)
	}
	peer.Enqueue(chat, "")
	d.metrics.DirectMessages.Add(1)

	reply, err := protocol.NewMessage(protocol.AckPrivateMessage).Payload(msg.Payload).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) sendFile(msg *protocol.Message) *protocol.Message {
	target, ok := msg.Field("username")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find username to send file to!")
	}
	filename, ok := msg.Field("filename")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find filename!")
	}
	checksum, ok := msg.Field("checksum")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find file checksum!")
	}
	if !checksumPattern.MatchString(checksum) {
		return errorReply(protocol.ErrorMalformedPacket, "File checksum is not a valid MD5 hex digest!")
	}
	rawLength, _ := msg.Field("filelength")
	length, err := strconv.ParseInt(rawLength, 10, 64)
	if err != nil || length < 0 {
		return errorReply(protocol.ErrorMalformedPacket, "Could not interpret file length as a number!")
	}

	peer, ok := d.reg.Sessions.Get(target)
	if !ok {
		return errorReply(protocol.ErrorNotFound, "Transfer target user not found!")
	}

	offer, err := protocol.NewMessage(protocol.RequestSendFile).
		Sender(d.Username()).
		Username(target).
		Field("filename", filename).
		Field("checksum", checksum).
		IntField("filelength", length).
		Build()
	if err != nil {
		return internalError(err)
	}
	peer.Enqueue(offer, "")

	reply, err := protocol.NewMessage(protocol.AckSendFile).Payload(filename).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) receiveFile(msg *protocol.Message) *protocol.Message {
	source, ok := msg.Field("username")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find username of the file sender!")
	}
	filename, ok := msg.Field("filename")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find filename!")
	}
	if _, ok := msg.Field("accepted"); !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find file acceptance choice!")
	}
	accepted := msg.BoolField("accepted")

	peer, ok := d.reg.Sessions.Get(source)
	if !ok {
		return errorReply(protocol.ErrorNotFound, "Transfer source user not found!")
	}

	username := d.Username()
	if accepted {
		d.reg.Transfers.Expect(username, source)
	}

	decision, err := protocol.NewMessage(protocol.RequestReceiveFile).
		Sender(username).
		Username(source).
		Field("filename", filename).
		BoolField("accepted", accepted).
		Build()
	if err != nil {
		return internalError(err)
	}
	peer.Enqueue(decision, "")

	reply, err := protocol.NewMessage(protocol.AckReceiveFile).Payload(filename).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) submitKey(msg *protocol.Message) *protocol.Message {
	if strings.TrimSpace(msg.Payload) == "" {
		return errorReply(protocol.ErrorMissingData, "No key provided in body!")
	}
	if !validRSAPublicKey(msg.Payload) {
		return errorReply(protocol.ErrorInvalidFormat, "Provided data is not a valid X.509 encoded RSA Public Key!")
	}

	d.reg.Keys.Put(d.Username(), msg.Payload)

	reply, err := protocol.NewMessage(protocol.AckSubmitKey).Payload(msg.Payload).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

// getKey never errors on a missing key: the reply simply carries an
// empty payload so clients can fall back to plaintext.
func (d *Dispatcher) getKey(msg *protocol.Message) *protocol.Message {
	target, ok := msg.Field("username")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "No target username specified!")
	}

	key, _ := d.reg.Keys.Get(target)
	reply, err := protocol.NewMessage(protocol.AckGetKey).Payload(key).Username(target).Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

func (d *Dispatcher) forwardSessionKey(msg *protocol.Message) *protocol.Message {
	target, ok := msg.Field("username")
	if !ok {
		return errorReply(protocol.ErrorMissingData, "Could not find username to send direct message to!")
	}
	peer, ok := d.reg.Sessions.Get(target)
	if !ok {
		return errorReply(protocol.ErrorNotFound, "Message target user not found!")
	}

	forward, err := protocol.NewMessage(protocol.EncryptionSetKey).
		Payload(msg.Payload).
		Sender(d.Username()).
		Username(target).
		Build()
	if err != nil {
		return internalError(err)
	}
	peer.Enqueue(forward, "")

	reply, err := protocol.NewMessage(protocol.EncryptionKeyForwarded).
		Payload(msg.Payload).
		Username(target).
		Build()
	if err != nil {
		return internalError(err)
	}
	return reply
}

// notifyGroup enqueues msg to every group member except from.
func (d *Dispatcher) notifyGroup(group, from string, msg *protocol.Message) {
	for _, member := range d.reg.Groups.Members(group) {
		if member == from {
			continue
		}
		if peer, ok := d.reg.Sessions.Get(member); ok {
			peer.Enqueue(msg, "")
		}
	}
}

func validRSAPublicKey(encoded string) bool {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return false
	}
	_, ok := pub.(*rsa.PublicKey)
	return ok
}

func listFlag(set bool) string {
	if set {
		return "1"
	}
	return "0"
}

func errorReply(code protocol.Code, detail string) *protocol.Message {
	msg, err := protocol.NewMessage(code).Payload(detail).Build()
	if err != nil {
		return &protocol.Message{Code: protocol.ErrorInternal}
	}
	return msg
}

func internalError(err error) *protocol.Message {
	return errorReply(protocol.ErrorInternal, fmt.Sprintf("Could not handle the request: %v", err))
}
