package marketdata

import "github.com/shopspring/decimal"

// circulatingSupply approximates circulating supply per symbol. Market
// capitalization derived from it is a display estimate, not authoritative.
var circulatingSupply = map[string]int64{
	"BTC":   19_600_000,
	"ETH":   120_000_000,
	"SOL":   430_000_000,
	"ADA":   35_000_000_000,
	"XRP":   55_000_000_000,
	"DOT":   1_400_000_000,
	"AVAX":  360_000_000,
	"MATIC": 10_000_000_000,
	"LINK":  600_000_000,
	"UNI":   1_000_000_000,
	"DOGE":  142_000_000_000,
	"SHIB":  589_000_000_000_000,
	"LTC":   74_000_000,
	"BCH":   19_600_000,
	"ATOM":  380_000_000,
	"ALGO":  8_200_000_000,
	"FIL":   500_000_000,
	"NEAR":  1_100_000_000,
	"APT":   400_000_000,
	"ARB":   3_300_000_000,
	"OP":    1_100_000_000,
	"SUI":   2_700_000_000,
	"SEI":   3_800_000_000,
	"INJ":   90_000_000,
	"TIA":   200_000_000,
	"PEPE":  420_690_000_000_000,
	"WIF":   1_000_000_000,
	"BONK":  68_000_000_000_000,
	"ICP":   500_000_000,
	"HBAR":  35_000_000_000,
	"VET":   73_000_000_000,
	"XLM":   28_000_000_000,
	"TRX":   90_000_000_000,
	"FTM":   2_800_000_000,
	"AAVE":  15_000_000,
	"MKR":   1_000_000,
	"CRV":   1_300_000_000,
	"GRT":   9_500_000_000,
	"STX":   1_400_000_000,
	"HNT":   160_000_000,
	"XTZ":   950_000_000,
	"FLOW":  1_500_000_000,
	"ZEC":   16_000_000,
	"DASH":  11_000_000,
	"ETC":   144_000_000,
	"EOS":   1_100_000_000,
	"XMR":   18_400_000,
}

// defaultSupply stands in for symbols absent from the table, a typical
// altcoin supply.
const defaultSupply int64 = 100_000_000

// EstimateMarketCap derives an approximate market capitalization from the
// current price and the static supply table.
func EstimateMarketCap(symbol string, price decimal.Decimal) decimal.Decimal {
	supply, ok := circulatingSupply[symbol]
	if !ok {
		supply = defaultSupply
	}
	return price.Mul(decimal.NewFromInt(supply))
}
