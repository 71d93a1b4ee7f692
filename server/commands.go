package server

// The command table. Each entry documents, in one place, the legal-state
// preconditions of a command: whether it requires an authenticated
// session, what it expects for an argument, and whether it may run while
// a data transfer is in flight.

type argSpec int

const (
	argNone     argSpec = iota // command does not accept arguments
	argRequired                // command needs an argument
	argOptional
)

type commandDef struct {
	handler func(*session, string)

	// auth requires the session to be authenticated.
	auth bool

	arg argSpec

	// busyOK allows the command while a transfer is in progress.
	busyOK bool
}

// protoCmds is the static dispatch table. USER and PASS drive the
// authentication state machine; everything marked auth is rejected with
// 530 until that machine reaches the authenticated state. Populated in
// init because HELP's handler walks the table.
var protoCmds map[string]commandDef

func init() {
	protoCmds = map[string]commandDef{
		// Access control
		"USER": {handler: (*session).handleUSER, arg: argRequired},
		"PASS": {handler: (*session).handlePASS, arg: argOptional},
		"REIN": {handler: (*session).handleREIN, arg: argNone},
		"QUIT": {handler: (*session).handleQUIT, arg: argNone, busyOK: true},

		// Directory navigation
		"CWD":  {handler: (*session).handleCWD, auth: true, arg: argOptional},
		"XCWD": {handler: (*session).handleCWD, auth: true, arg: argOptional},
		"CDUP": {handler: (*session).handleCDUP, auth: true, arg: argNone},
		"XCUP": {handler: (*session).handleCDUP, auth: true, arg: argNone},
		"PWD":  {handler: (*session).handlePWD, auth: true, arg: argNone},
		"XPWD": {handler: (*session).handlePWD, auth: true, arg: argNone},

		// File management
		"MKD":  {handler: (*session).handleMKD, auth: true, arg: argRequired},
		"XMKD": {handler: (*session).handleMKD, auth: true, arg: argRequired},
		"RMD":  {handler: (*session).handleRMD, auth: true, arg: argRequired},
		"XRMD": {handler: (*session).handleRMD, auth: true, arg: argRequired},
		"DELE": {handler: (*session).handleDELE, auth: true, arg: argRequired},
		"RNFR": {handler: (*session).handleRNFR, auth: true, arg: argRequired},
		"RNTO": {handler: (*session).handleRNTO, auth: true, arg: argRequired},

		// Transfer parameters
		"TYPE": {handler: (*session).handleTYPE, auth: true, arg: argRequired},
		"MODE": {handler: (*session).handleMODE, auth: true, arg: argRequired},
		"STRU": {handler: (*session).handleSTRU, auth: true, arg: argRequired},
		"REST": {handler: (*session).handleREST, auth: true, arg: argRequired},
		"ALLO": {handler: (*session).handleALLO, auth: true, arg: argOptional},
		"PASV": {handler: (*session).handlePASV, auth: true, arg: argNone},
		"EPSV": {handler: (*session).handleEPSV, auth: true, arg: argOptional},
		"PORT": {handler: (*session).handlePORT, auth: true, arg: argRequired},
		"EPRT": {handler: (*session).handleEPRT, auth: true, arg: argRequired},

		// Transfers
		"RETR": {handler: (*session).handleRETR, auth: true, arg: argRequired},
		"STOR": {handler: (*session).handleSTOR, auth: true, arg: argRequired},
		"APPE": {handler: (*session).handleAPPE, auth: true, arg: argRequired},
		"LIST": {handler: (*session).handleLIST, auth: true, arg: argOptional},
		"NLST": {handler: (*session).handleNLST, auth: true, arg: argOptional},
		"MLSD": {handler: (*session).handleMLSD, auth: true, arg: argOptional},
		"ABOR": {handler: (*session).handleABOR, arg: argNone, busyOK: true},

		// Information
		"SIZE": {handler: (*session).handleSIZE, auth: true, arg: argRequired},
		"MDTM": {handler: (*session).handleMDTM, auth: true, arg: argRequired},
		"MLST": {handler: (*session).handleMLST, auth: true, arg: argOptional},
		"STAT": {handler: (*session).handleSTAT, arg: argOptional, busyOK: true},
		"FEAT": {handler: (*session).handleFEAT, arg: argNone},
		"OPTS": {handler: (*session).handleOPTS, arg: argRequired},
		"SYST": {handler: (*session).handleSYST, arg: argNone},
		"HELP": {handler: (*session).handleHELP, arg: argOptional},
		"SITE": {handler: (*session).handleSITE, arg: argRequired},
		"NOOP": {handler: (*session).handleNOOP, arg: argNone},
	}
}

// Predefined command groups for WithDisabledCommands.
var (
	// LegacyCommands are the deprecated X* aliases from RFC 775.
	LegacyCommands = []string{"XCWD", "XCUP", "XPWD", "XMKD", "XRMD"}

	// ActiveModeCommands initiate active-mode data connections. Disable
	// them to force passive-only operation behind strict firewalls.
	ActiveModeCommands = []string{"PORT", "EPRT"}

	// WriteCommands modify the filesystem. Disable them for a read-only
	// server; for per-user read-only access use the driver instead.
	WriteCommands = []string{"STOR", "APPE", "DELE", "RMD", "XRMD", "MKD", "XMKD", "RNFR", "RNTO"}
)
