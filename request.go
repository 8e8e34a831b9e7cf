// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policyd

import "strconv"

// Request holds the attributes of one policy delegation exchange.
//
// The reader loop fills it line by line; once the end-of-request marker
// arrives it belongs to the single dispatch task that runs the handlers.
type Request struct {
	Request         string // always "smtpd_access_policy" for postfix
	ProtocolState   string
	ProtocolName    string
	HeloName        string
	QueueID         string
	Sender          string
	Recipient       string
	RecipientCount  int
	ClientAddress   string
	ClientName      string
	ClientPort      string
	ReverseClient   string
	Instance        string
	SaslMethod      string
	SaslUsername    string
	SaslSender      string
	Size            int64
	CcertSubject    string
	CcertIssuer     string
	CcertFinger     string
	CcertPubkeyFing string
	EncProtocol     string
	EncCipher       string
	EncKeysize      string
	EtrnDomain      string
	Stress          string
	ServerAddress   string
	ServerPort      string
	PolicyContext   string
	CompatLevel     string
	MailVersion     string

	// ListenerPort is the port of the listener the request arrived on,
	// 0 for unix sockets.
	ListenerPort int

	// MessageReply may be set by a handler; it is appended to the verdict
	// when the deciding handler returned no message of its own.
	MessageReply string
}

// Set stores value under the attribute key. Unknown keys are ignored and
// reported as false.
func (r *Request) Set(key, value string) bool {
	switch key {
	case "request":
		r.Request = value
	case "protocol_state":
		r.ProtocolState = value
	case "protocol_name":
		r.ProtocolName = value
	case "helo_name":
		r.HeloName = value
	case "queue_id":
		r.QueueID = value
	case "sender":
		r.Sender = value
	case "recipient":
		r.Recipient = value
	case "recipient_count":
		r.RecipientCount, _ = strconv.Atoi(value)
	case "client_address":
		r.ClientAddress = value
	case "client_name":
		r.ClientName = value
	case "client_port":
		r.ClientPort = value
	case "reverse_client_name", "reverse_client":
		r.ReverseClient = value
	case "instance":
		r.Instance = value
	case "sasl_method":
		r.SaslMethod = value
	case "sasl_username":
		r.SaslUsername = value
	case "sasl_sender":
		r.SaslSender = value
	case "size":
		r.Size, _ = strconv.ParseInt(value, 10, 64)
	case "ccert_subject":
		r.CcertSubject = value
	case "ccert_issuer":
		r.CcertIssuer = value
	case "ccert_fingerprint":
		r.CcertFinger = value
	case "ccert_pubkey_fingerprint":
		r.CcertPubkeyFing = value
	case "encryption_protocol":
		r.EncProtocol = value
	case "encryption_cipher":
		r.EncCipher = value
	case "encryption_keysize":
		r.EncKeysize = value
	case "etrn_domain":
		r.EtrnDomain = value
	case "stress":
		r.Stress = value
	case "server_address":
		r.ServerAddress = value
	case "server_port":
		r.ServerPort = value
	case "policy_context":
		r.PolicyContext = value
	case "compatibility_level":
		r.CompatLevel = value
	case "mail_version":
		r.MailVersion = value
	default:
		return false
	}
	return true
}
