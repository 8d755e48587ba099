/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package socket

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		StaticConfig: StaticConfig{
			Group:           net.ParseIP("239.192.0.1"),
			LocalNLA:        net.ParseIP("127.0.0.1"),
			Port:            7500,
			MaxTPDU:         1500,
			MaxTSDU:         1000,
			MaxTSDUFragment: 512,
		},
		DynamicConfig: DefaultDynamicConfig(),
	}
}

func TestConfigValidateRejectsMissingGroup(t *testing.T) {
	cfg := testConfig()
	cfg.Group = nil
	assert.ErrorIs(t, cfg.Validate(), errNoGroup)
}

func TestConfigValidateRejectsSendAndRecvOnlyTogether(t *testing.T) {
	cfg := testConfig()
	cfg.SendOnly = true
	cfg.RecvOnly = true
	assert.ErrorIs(t, cfg.Validate(), errBothSendRecv)
}

func TestConfigValidateRejectsPassiveSendOnly(t *testing.T) {
	cfg := testConfig()
	cfg.SendOnly = true
	cfg.Passive = true
	assert.ErrorIs(t, cfg.Validate(), errPassiveSend)
}

func TestConfigValidateRejectsBadFECParams(t *testing.T) {
	cfg := testConfig()
	cfg.FEC = FECConfig{Enabled: true, N: 4, K: 4}
	assert.ErrorIs(t, cfg.Validate(), errFECParams)
}

func TestConfigValidateAcceptsSaneDefaults(t *testing.T) {
	cfg := testConfig()
	assert.NoError(t, cfg.Validate())
}

func TestIPOverheadDependsOnAddressFamily(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, 28, cfg.ipOverhead())

	cfg.Group = net.ParseIP("ff15::1")
	assert.Equal(t, 48, cfg.ipOverhead())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "NORMAL", StatusNormal.String())
	assert.Equal(t, "WOULD_BLOCK", StatusWouldBlock.String())
	assert.Equal(t, "ERROR", StatusError.String())
	assert.Equal(t, "UNKNOWN", Status(99).String())
}

// TestOpenSendOnlyAndRecvOnlyRoundTrip exercises Open end-to-end over the
// loopback multicast-capable interface: a send_only and a recv_only socket
// on the same group/port, one real Send delivering through the kernel to
// the other's Recv. Skipped when the sandbox has no multicast-capable
// loopback route, the same way ptp/sptp/client's raw-socket tests guard on
// CAP_NET_RAW/environment support.
func TestOpenSendOnlyAndRecvOnlyRoundTrip(t *testing.T) {
	sendCfg := testConfig()
	sendCfg.SendOnly = true
	sendCfg.LocalNLA = net.ParseIP("127.0.0.1")

	sender, err := Open(sendCfg)
	if err != nil {
		t.Skipf("socket: multicast not available in this sandbox: %v", err)
	}
	defer sender.Close()

	recvCfg := testConfig()
	recvCfg.RecvOnly = true
	recvCfg.Nonblocking = true

	receiverSock, err := Open(recvCfg)
	if err != nil {
		t.Skipf("socket: multicast not available in this sandbox: %v", err)
	}
	defer receiverSock.Close()

	now := time.Now()
	require.NoError(t, sender.Send([]byte("hello pgm"), now))

	require.Eventually(t, func() bool {
		status, err := receiverSock.Recv(time.Now())
		if err != nil || status != StatusNormal {
			return false
		}
		deliveries := receiverSock.Readv()
		return len(deliveries) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadDynamicConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dynamic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nak_data_retries: 9\nnonblocking: true\n"), 0o644))

	cfg, err := LoadDynamicConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.NakDataRetries)
	assert.True(t, cfg.Nonblocking)
	assert.Equal(t, DefaultDynamicConfig().TXWSqns, cfg.TXWSqns)
}

func TestLoadDynamicConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadDynamicConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSocketReloadAppliesDynamicConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RecvOnly = true
	s, err := Open(cfg)
	if err != nil {
		t.Skipf("socket: multicast not available in this sandbox: %v", err)
	}
	defer s.Close()

	path := filepath.Join(t.TempDir(), "dynamic.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nonblocking: true\n"), 0o644))

	require.NoError(t, s.Reload(path))
	assert.True(t, s.cfg.Nonblocking)
}

func TestExpirationReflectsTimerEngine(t *testing.T) {
	cfg := testConfig()
	cfg.RecvOnly = true
	s, err := Open(cfg)
	if err != nil {
		t.Skipf("socket: multicast not available in this sandbox: %v", err)
	}
	defer s.Close()

	d := s.Expiration(time.Now())
	assert.True(t, d >= 0)
}
