package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
)

// GetAccount fetches the unified wallet balance and maps it to the gateway
// account view. Cash is the available balance; total value is total equity.
func (g *Gateway) GetAccount(ctx context.Context) (*broker.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	var account *broker.Account
	err := g.withRetry(ctx, "get_account", func() error {
		params := map[string]interface{}{
			"accountType": g.config.AccountType,
		}
		result, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
		if err != nil {
			return fmt.Errorf("get account wallet: %w", err)
		}
		account, err = parseAccountResponse(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func parseAccountResponse(response interface{}) (*broker.Account, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected account response type %T", response)
	}
	if err := apiError(serverResp.RetCode, serverResp.RetMsg); err != nil {
		return nil, err
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal account result: %w", err)
	}

	var walletResult struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			AccountType           string `json:"accountType"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &walletResult); err != nil {
		return nil, fmt.Errorf("unmarshal wallet result: %w", err)
	}
	if len(walletResult.List) == 0 {
		return nil, fmt.Errorf("no account data in wallet response")
	}

	wallet := walletResult.List[0]
	cash, err := parseDecimal(wallet.TotalAvailableBalance, "totalAvailableBalance")
	if err != nil {
		return nil, err
	}
	totalValue, err := parseDecimal(wallet.TotalEquity, "totalEquity")
	if err != nil {
		return nil, err
	}

	return &broker.Account{
		Cash:       cash,
		TotalValue: totalValue,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// parseDecimal converts a Bybit string field to a decimal. Empty strings
// mean zero in the V5 API.
func parseDecimal(value, field string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return d, nil
}
