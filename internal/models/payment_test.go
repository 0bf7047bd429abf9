package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientSecret(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		wantKind   IntentKind
		wantIntent string
		wantErr    bool
	}{
		{"Payment intent", "pi_3Abc123_secret_xyz", IntentKindPayment, "pi_3Abc123", false},
		{"Setup intent", "seti_1Def456_secret_uvw", IntentKindSetup, "seti_1Def456", false},
		{"Missing secret segment", "pi_3Abc123", "", "", true},
		{"Unknown prefix", "pm_1Ghi789_secret_abc", "", "", true},
		{"Empty string", "", "", "", true},
		{"Only separator", "_secret_xyz", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			kind, intentID, err := ParseClientSecret(tc.secret)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, kind)
			assert.Equal(t, tc.wantIntent, intentID)
		})
	}
}

func TestIdentifierShapes(t *testing.T) {
	assert.True(t, IsIntentIdentifier("pi_3Abc123"))
	assert.True(t, IsIntentIdentifier("seti_1Def456"))
	assert.False(t, IsIntentIdentifier("pm_1Ghi789"))
	assert.False(t, IsIntentIdentifier("card_1Jkl012"))
	assert.False(t, IsIntentIdentifier(""))

	assert.True(t, IsPaymentMethodIdentifier("pm_1Ghi789"))
	assert.True(t, IsPaymentMethodIdentifier("card_1Jkl012"))
	assert.False(t, IsPaymentMethodIdentifier("pi_3Abc123"))
	assert.False(t, IsPaymentMethodIdentifier("seti_1Def456"))
}

func TestClassifyDepositCode(t *testing.T) {
	assert.Equal(t, ClassificationNoShow, ClassifyDepositCode(1))
	assert.Equal(t, ClassificationDeposit, ClassifyDepositCode(2))
	assert.Equal(t, ClassificationDeposit, ClassifyDepositCode(0))
	assert.Equal(t, ClassificationDeposit, ClassifyDepositCode(7))
}

func TestPaymentContext_Readiness(t *testing.T) {
	var p PaymentContext
	assert.False(t, p.KeysLoaded())
	assert.False(t, p.DecisionLoaded())
	assert.False(t, p.Ready())

	p.ClientSecret = "pi_3Abc123_secret_xyz"
	p.PublishableKey = "pk_test_abc"
	assert.True(t, p.KeysLoaded())
	assert.False(t, p.Ready())

	p.Classification = ClassificationDeposit
	assert.True(t, p.DecisionLoaded())
	assert.True(t, p.Ready())
}

func TestCardInput_Validate(t *testing.T) {
	valid := CardInput{Number: "4242 4242 4242 4242", ExpMonth: "12", ExpYear: "2030", CVC: "123"}
	assert.Nil(t, valid.Validate())

	tests := []struct {
		name  string
		card  CardInput
		field string
	}{
		{"Short number", CardInput{Number: "4242", ExpMonth: "12", ExpYear: "2030", CVC: "123"}, "number"},
		{"Missing month", CardInput{Number: "4242424242424242", ExpYear: "2030", CVC: "123"}, "exp_month"},
		{"Missing year", CardInput{Number: "4242424242424242", ExpMonth: "12", CVC: "123"}, "exp_year"},
		{"Short cvc", CardInput{Number: "4242424242424242", ExpMonth: "12", ExpYear: "2030", CVC: "1"}, "cvc"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fe := tc.card.Validate()
			require.NotNil(t, fe)
			assert.Equal(t, ErrKindValidation, fe.Kind)
			assert.Contains(t, fe.Fields, tc.field)
		})
	}
}

func TestCardInput_Redacted(t *testing.T) {
	card := CardInput{Number: "4242 4242 4242 4242"}
	assert.Equal(t, "**** 4242", card.Redacted())

	short := CardInput{Number: "42"}
	assert.Equal(t, "****", short.Redacted())
}
