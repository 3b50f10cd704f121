package config

import (
	"github.com/dotpay/backend/src/apperrors"
)

// ValidateStrict checks that the provider and treasury wiring is complete
// enough to serve live traffic. Called at startup; failures abort the boot
// instead of surfacing as 500s on first use.
func (c *AppConfig) ValidateStrict() error {
	if !c.MpesaEnabled {
		return nil
	}
	if c.MpesaConsumerKey == "" || c.MpesaConsumerSecret == "" {
		return apperrors.Config("MPESA_CONSUMER_KEY and MPESA_CONSUMER_SECRET are required when mobile money is enabled")
	}
	if c.MpesaShortcode == "" && c.MpesaSTKShortcode == "" {
		return apperrors.Config("MPESA_SHORTCODE (or MPESA_STK_SHORTCODE) is required")
	}
	if c.MpesaPasskey == "" {
		return apperrors.Config("MPESA_PASSKEY is required for STK push")
	}
	if c.MpesaResultBaseURL == "" {
		return apperrors.Config("MPESA_RESULT_BASE_URL is required so the provider can deliver callbacks")
	}
	if c.MpesaSecurityCredential == "" {
		if c.MpesaInitiatorPassword == "" {
			return apperrors.Config("either MPESA_SECURITY_CREDENTIAL or MPESA_INITIATOR_PASSWORD must be set")
		}
		// The sandbox certificate is bundled; only production needs a path.
		if c.MpesaEnv != "sandbox" && c.MpesaCertPath == "" {
			return apperrors.Config("MPESA_CERT_PATH is required to derive the security credential outside sandbox")
		}
	}
	if c.RequireFunding {
		if c.TreasuryRPCURL == "" || c.TreasuryTokenContract == "" {
			return apperrors.Config("TREASURY_RPC_URL and TREASURY_USDC_CONTRACT are required when on-chain funding is enforced")
		}
		if c.TreasuryPlatformAddress == "" && c.TreasuryPrivateKey == "" {
			return apperrors.Config("TREASURY_PLATFORM_ADDRESS or TREASURY_PRIVATE_KEY is required when on-chain funding is enforced")
		}
	}
	return nil
}
