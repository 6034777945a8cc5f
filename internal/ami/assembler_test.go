package ami

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(a *Assembler, lines ...string) []*Packet {
	var out []*Packet
	for _, line := range lines {
		if p := a.Feed(line); p != nil {
			out = append(out, p)
		}
	}
	return out
}

func TestAssemblerHeaders(t *testing.T) {
	a := NewAssembler(0, zerolog.Nop())
	pkts := feedAll(a,
		"Event: Newchannel\r\n",
		"Channel: SIP/200-00a1\r\n",
		"CallerIDNum: 200\r\n",
		"\r\n",
	)
	require.Len(t, pkts, 1)

	p := pkts[0]
	assert.Equal(t, []Header{
		{Name: "Event", Value: "Newchannel"},
		{Name: "Channel", Value: "SIP/200-00a1"},
		{Name: "CallerIDNum", Value: "200"},
	}, p.Headers())
	assert.Equal(t, "Newchannel", p.Header("event"))
	assert.Equal(t, "SIP/200-00a1", p.Header("CHANNEL"))
	assert.Empty(t, p.Header("Uniqueid"))
	assert.False(t, a.Pending())
}

func TestAssemblerIgnoresShortLines(t *testing.T) {
	a := NewAssembler(0, zerolog.Nop())
	pkts := feedAll(a, "Response: Success\r\n", "\n", "", "\r\n")
	require.Len(t, pkts, 1)
	assert.Equal(t, 1, pkts[0].Len())
}

func TestAssemblerAcceptsBareLF(t *testing.T) {
	a := NewAssembler(0, zerolog.Nop())
	pkts := feedAll(a, "Response: Pong\n", "ActionID: 9\n", "\r\n")
	require.Len(t, pkts, 1)
	assert.Equal(t, "Pong", pkts[0].Response())
	assert.Equal(t, "9", pkts[0].Header(HeaderActionID))
}

func TestAssemblerFollows(t *testing.T) {
	a := NewAssembler(0, zerolog.Nop())
	pkts := feedAll(a,
		"Response: Follows\r\n",
		"Name/username             Host            Dyn\n",
		"100/100                   10.0.0.5         D\n",
		"2 sip peers [2 online]\n",
		"--END COMMAND--\r\n",
		"\r\n",
	)
	require.Len(t, pkts, 1)

	p := pkts[0]
	assert.True(t, p.IsFollows())
	assert.Equal(t, []Header{{Name: "Response", Value: "Follows"}}, p.Headers())
	assert.Equal(t, []string{
		"Name/username             Host            Dyn",
		"100/100                   10.0.0.5         D",
		"2 sip peers [2 online]",
	}, p.Data())
}

func TestAssemblerFollowsBlankLinesAreData(t *testing.T) {
	a := NewAssembler(0, zerolog.Nop())
	pkts := feedAll(a,
		"response: follows\r\n",
		"first\n",
		"\n",
		"last--END COMMAND--\r\n",
		"\r\n",
	)
	require.Len(t, pkts, 1)
	assert.Equal(t, []string{"first", "", "last"}, pkts[0].Data())
}

func TestAssemblerRejectsPastCap(t *testing.T) {
	a := NewAssembler(3, zerolog.Nop())
	pkts := feedAll(a,
		"Event: PeerStatus\r\n",
		"Peer: SIP/100\r\n",
		"PeerStatus: Registered\r\n",
		"Address: 10.0.0.5\r\n",
		"Port: 5060\r\n",
		"\r\n",
	)
	require.Len(t, pkts, 1)

	p := pkts[0]
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 2, p.Dropped())
	assert.Equal(t, "Registered", p.Header("PeerStatus"))
	assert.False(t, p.HasHeader("Port"))

	next := feedAll(a, "Response: Success\r\n", "\r\n")
	require.Len(t, next, 1)
	assert.Zero(t, next[0].Dropped())
}

func TestAssemblerReset(t *testing.T) {
	a := NewAssembler(0, zerolog.Nop())
	a.Feed("Response: Success\r\n")
	assert.True(t, a.Pending())
	a.Reset()
	assert.False(t, a.Pending())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		headers []Header
		want    Kind
	}{
		{"response", []Header{{"Response", "Success"}}, KindResponse},
		{"event", []Header{{"Event", "Hangup"}}, KindEvent},
		{"response wins", []Header{{"Event", "Hangup"}, {"Response", "Error"}}, KindResponse},
		{"lowercase name", []Header{{"event", "Reload"}}, KindEvent},
		{"empty response value", []Header{{"Response", ""}, {"Event", "Hangup"}}, KindEvent},
		{"neither", []Header{{"Message", "hello"}}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&Packet{headers: tt.headers}))
		})
	}
}

func TestParseHeader(t *testing.T) {
	assert.Equal(t, Header{Name: "Uniqueid", Value: "1700000000.12"}, parseHeader("Uniqueid: 1700000000.12"))
	assert.Equal(t, Header{Name: "Value", Value: "a: b"}, parseHeader("Value: a: b"))
	assert.Equal(t, Header{Name: "Asterisk Call Manager/1.0"}, parseHeader("Asterisk Call Manager/1.0"))
	assert.Equal(t, "Event: Hangup", Header{Name: "Event", Value: "Hangup"}.String())
}
