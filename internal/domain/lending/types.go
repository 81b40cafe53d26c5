package lending

// Protocol identifies one supported lending protocol.
type Protocol string

const (
	ProtocolAaveV3     Protocol = "aave-v3"
	ProtocolCompoundV3 Protocol = "compound-v3"
	ProtocolCompoundV2 Protocol = "compound-v2"
	ProtocolMorpho     Protocol = "morpho"
)

// Valid checks if the protocol is part of the supported set.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolAaveV3, ProtocolCompoundV3, ProtocolCompoundV2, ProtocolMorpho:
		return true
	}
	return false
}

// String returns string representation
func (p Protocol) String() string {
	return string(p)
}

// AllProtocols returns the closed set of supported protocols in
// deterministic order.
func AllProtocols() []Protocol {
	return []Protocol{ProtocolAaveV3, ProtocolCompoundV2, ProtocolCompoundV3, ProtocolMorpho}
}

// AccountingModel describes how a protocol represents deposits on chain.
// It drives balance normalization and expected-output rules.
type AccountingModel string

const (
	// AccountingReceiptOneToOne: receipt token balance equals underlying 1:1
	AccountingReceiptOneToOne AccountingModel = "receipt_1to1"
	// AccountingShareVault: ERC-4626 shares, converted via preview calls
	AccountingShareVault AccountingModel = "share_vault"
	// AccountingExchangeRate: cToken style, underlying = receipt * rate / 1e18
	AccountingExchangeRate AccountingModel = "exchange_rate"
	// AccountingBaseLedger: Comet style, balanceOf returns underlying directly
	AccountingBaseLedger AccountingModel = "base_ledger"
)

// AssetCategory groups assets for filtering and presentation.
type AssetCategory string

const (
	CategoryStablecoin AssetCategory = "stablecoin"
	CategoryETH        AssetCategory = "eth"
	CategoryBTC        AssetCategory = "btc"
	CategoryOther      AssetCategory = "other"
)

// CategorizeSymbol buckets a token symbol into an asset category.
func CategorizeSymbol(symbol string) AssetCategory {
	switch symbol {
	case "USDC", "USDT", "DAI", "LUSD", "GHO", "USDS", "FRAX", "USDe", "sUSDe", "crvUSD", "PYUSD", "TUSD", "USDP":
		return CategoryStablecoin
	case "WETH", "ETH", "wstETH", "stETH", "rETH", "cbETH", "weETH", "ETHx", "osETH":
		return CategoryETH
	case "WBTC", "tBTC", "cbBTC", "LBTC":
		return CategoryBTC
	default:
		return CategoryOther
	}
}

// ActionType enumerates the state-changing lending actions.
type ActionType string

const (
	ActionSupply   ActionType = "supply"
	ActionWithdraw ActionType = "withdraw"
	ActionBorrow   ActionType = "borrow"
	ActionRepay    ActionType = "repay"
)

// Valid checks if the action type is known.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSupply, ActionWithdraw, ActionBorrow, ActionRepay:
		return true
	}
	return false
}

// String returns string representation
func (a ActionType) String() string {
	return string(a)
}

// RouteIntent is the caller intent a routing query optimizes for.
type RouteIntent string

const (
	IntentSupply RouteIntent = "supply"
	IntentBorrow RouteIntent = "borrow"
)
