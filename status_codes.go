// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

// FTP reply codes, as assigned by RFC 959 and extended by RFC 2228 (AUTH),
// RFC 2428 (EPSV/EPRT) and RFC 4217 (explicit TLS).
const (
	StatusFileStatusOK = 150

	StatusOK                    = 200
	StatusCommandNotImplemented = 202
	StatusSystemStatus          = 211
	StatusDirectoryStatus       = 212
	StatusFileStatus            = 213
	StatusSystemType            = 215
	StatusServiceReady          = 220
	StatusClosingControlConn    = 221
	StatusClosingDataConn       = 226
	StatusEnteringPASV          = 227
	StatusEnteringEPSV          = 229
	StatusUserLoggedIn          = 230
	StatusAuthAccepted          = 234
	StatusFileOK                = 250
	StatusPathCreated           = 257

	StatusUserOK            = 331
	StatusFileActionPending = 350

	StatusServiceNotAvailable      = 421
	StatusCannotOpenDataConnection = 425
	StatusTransferAborted          = 426
	StatusActionNotTaken           = 450
	StatusActionAbortedLocalErr    = 451
	StatusActionAborted            = 552

	StatusSyntaxErrorNotRecognised = 500
	StatusSyntaxErrorParameters    = 501
	StatusNotImplemented           = 502
	StatusBadCommandSequence       = 503
	StatusNotImplementedParam      = 504
	StatusNotLoggedIn              = 530
	StatusFileActionNotTaken       = 550
	StatusActionNotTakenNoFile     = 553
)
