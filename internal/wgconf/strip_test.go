package wgconf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripDropsQuickOnlyKeys(t *testing.T) {
	id := testIdentity(t)
	peers := testPeers(t, 2)
	stripped := Strip(Render(id, peers, DefaultOptions()).Text)

	for _, key := range []string{"Address", "PostUp", "PostDown", "#"} {
		assert.NotContains(t, stripped, key)
	}
	assert.Contains(t, stripped, "[Interface]\nPrivateKey = "+id.PrivateKey+"\nListenPort = 51820\n")
	assert.Equal(t, 2, strings.Count(stripped, "[Peer]"))
	assert.Contains(t, stripped, "AllowedIPs = "+peers[1].TunnelAddress+"/32\n")
}

func TestStripHandlesHandWrittenFiles(t *testing.T) {
	in := `[Interface]
PrivateKey = abc
  dns=1.1.1.1
MTU = 1420
Table = off
SaveConfig = true
PreUp = echo hi
PreDown = echo bye
# comment

[Peer]
PublicKey = def
AllowedIPs = 10.0.0.2/32
`
	want := "[Interface]\nPrivateKey = abc\n\n[Peer]\nPublicKey = def\nAllowedIPs = 10.0.0.2/32\n"
	assert.Equal(t, want, Strip(in))
}
