package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/wsgate/pkg/errors"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		raw    string
		kind   Kind
		name   string
		mint   string
		access Access
	}{
		{"market.price", KindMarketPrice, "", "", AccessPublic},
		{"services.all", KindServicesAll, "", "", AccessAdmin},
		{"admin.alerts", KindAdminAlerts, "", "", AccessAdmin},
		{"service.tokenSync", KindService, "tokenSync", "", AccessAdmin},
		{"service-layer.data", KindServiceLayer, "data", "", AccessAdmin},
		{"wallet." + walletA, KindWallet, walletA, "", AccessOwner},
		{"token." + walletA + "." + mintSOL, KindToken, walletA, mintSOL, AccessOwner},
		{"portfolio." + walletA, KindPortfolio, walletA, "", AccessOwner},
		{"user.u-42", KindUser, "u-42", "", AccessOwner},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			topic, err := ParseTopic(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, topic.Kind)
			assert.Equal(t, tt.name, topic.Name)
			assert.Equal(t, tt.mint, topic.Mint)
			assert.Equal(t, tt.access, topic.Access())
			assert.Equal(t, tt.raw, topic.String())
		})
	}
}

func TestParseTopic_Owner(t *testing.T) {
	topic, err := ParseTopic(TokenTopic(walletA, mintSOL))
	require.NoError(t, err)
	assert.Equal(t, walletA, topic.Owner())

	topic, err = ParseTopic(ServiceTopic("tokenSync"))
	require.NoError(t, err)
	assert.Empty(t, topic.Owner())
}

func TestParseTopic_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"market",
		"market.prices",
		"service.",
		"service.bad name",
		"wallet.not-base58-0OIl",
		"wallet.short",
		"token." + walletA,
		"token." + walletA + ".",
		"portfolio.",
		"user.",
		"something.else",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseTopic(raw)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidMessage))
		})
	}
}

func TestTopicBuilders(t *testing.T) {
	assert.Equal(t, "service.tokenSync", ServiceTopic("tokenSync"))
	assert.Equal(t, "service-layer.data", LayerTopic("data"))
	assert.Equal(t, "wallet."+walletA, WalletTopic(walletA))
	assert.Equal(t, "portfolio."+walletA, PortfolioTopic(walletA))
	assert.Equal(t, "user.abc", UserTopic("abc"))
	assert.True(t, IsAddress(walletA))
	assert.False(t, IsAddress("0x1234"))
}

func TestRole_IsAdmin(t *testing.T) {
	assert.True(t, RoleAdmin.IsAdmin())
	assert.True(t, RoleSuperadmin.IsAdmin())
	assert.False(t, RoleUser.IsAdmin())
	assert.False(t, Role("").IsAdmin())
}
