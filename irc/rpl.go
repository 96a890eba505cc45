package irc

// Numeric replies handled by the connection and the state store.
const (
	rplWelcome  = "001" // <nick> :Welcome message
	rplYourhost = "002" // <nick> :Your host is...
	rplCreated  = "003" // <nick> :This server was created...
	rplMyinfo   = "004" // <nick> <servername> <version> <umodes> <chan modes>
	rplIsupport = "005" // <nick> 1*13<TOKEN[=value]> :are supported by this server

	rplUmodeis = "221" // <nick> <modes>

	rplAway          = "301" // <nick> <target> :<away message>
	rplUnaway        = "305" // <nick> :You are no longer marked as being away
	rplNowaway       = "306" // <nick> :You have been marked as being away
	rplEndofwho      = "315" // <nick> <name> :End of WHO list
	rplChannelmodeis = "324" // <nick> <channel> <modes> <mode params>
	rplNotopic       = "331" // <nick> <channel> :No topic set
	rplTopic         = "332" // <nick> <channel> :<topic>
	rplTopicwhotime  = "333" // <nick> <channel> <setter> <setat>
	rplInviting      = "341" // <nick> <target> <channel>
	rplWhoreply      = "352" // <nick> <channel> <user> <host> <server> <target> <flags> :<hops> <realname>
	rplNamreply      = "353" // <nick> <=/*/@> <channel> :1*(@/ /+user)
	rplEndofnames    = "366" // <nick> <channel> :End of names list
	rplMotd          = "372" // <nick> :- <text>
	rplMotdstart     = "375" // <nick> :- <servername> Message of the day -
	rplEndofmotd     = "376" // <nick> :End of MOTD command

	errNosuchnick       = "401" // <nick> <target> :No such nick/channel
	errInvalidcapcmd    = "410" // <nick> <command> :Unknown cap command
	errNomotd           = "422" // <nick> :MOTD file missing
	errErroneusnickname = "432" // <nick> <target> :Erroneous nickname
	errNicknameinuse    = "433" // <nick> <target> :Nickname in use
	errNickcollision    = "436" // <nick> <target> :Nickname collision

	rplLoggedin    = "900" // <nick> <nick>!<ident>@<host> <account> :You are now logged in as <user>
	rplLoggedout   = "901" // <nick> <nick>!<ident>@<host> :You are now logged out
	errNicklocked  = "902" // <nick> :You must use a nick assigned to you
	rplSaslsuccess = "903" // <nick> :SASL authentication successful
	errSaslfail    = "904" // <nick> :SASL authentication failed
	errSasltoolong = "905" // <nick> :SASL message too long
	errSaslaborted = "906" // <nick> :SASL authentication aborted
	errSaslalready = "907" // <nick> :You have already authenticated using SASL
	rplSaslmechs   = "908" // <nick> <mechanisms> :are available SASL mechanisms
)

// isErrorNumeric reports whether code is in the 400-599 error range, or
// is one of the SASL failures.
func isErrorNumeric(code string) bool {
	if len(code) != 3 {
		return false
	}
	switch code {
	case errNicklocked, errSaslfail, errSasltoolong, errSaslaborted:
		return true
	}
	return code[0] == '4' || code[0] == '5'
}
