package domain

// Well-known Polygon deployments.
const (
	NetworkPolygon = "polygon"

	CTFExchangeAddress       = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskExchangeAddress   = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	RelayerAddress           = "0x02A86f51aA7B8b1c17c30364748d5Ae4a0727E23"
	ConditionalTokensAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)
