package portal

// Each element of the portal is located by trying its XPaths in order. The
// portal's generated ids change between releases, so every list ends with
// text- or attribute-based fallbacks.
var (
	usernameSelectors = []string{
		`//*[@id="it_username"]`,
		`//input[@name="username"]`,
		`//input[@type="text"][1]`,
	}
	passwordSelectors = []string{
		`//*[@id="it_password"]`,
		`//input[@name="password"]`,
		`//input[@type="password"]`,
	}
	loginButtonSelectors = []string{
		`//*[@id="j_idt9"]/input[2]`,
		`//input[@type="submit"][@value="Login"]`,
		`//button[contains(text(), "Login")]`,
	}
	mainMenuSelectors = []string{
		`//*[@id="j_idt35:j_idt58"]`,
		`//a[@class="menu-principal"]`,
		`//div[@class="menu"]//a[1]`,
		`//ul[@id="menu_bar"]//a[contains(text(), "Relatórios")]`,
		`//a[contains(text(), "Relatórios")]`,
	}
	reportsMenuSelectors = []string{
		`//*[@id="menu_bar"]/ul/li[2]/a/span[2]`,
		`//a[contains(text(), "Relatórios")]`,
		`//li[@data-menu="reports"]//a`,
		`//ul[@id="menu_bar"]//a[contains(text(), "Relatórios")]`,
		`//*[contains(@id, "menu")]//a[contains(text(), "Relatórios")]`,
	}
	occurrenceGroupSelectors = []string{
		`//*[@id="menu_bar"]/ul/li[2]/ul/li[2]/a`,
		`//a[contains(text(), "Ocorrências")]`,
		`//a[contains(text(), "Relatório") and contains(text(), "Ocorrência")]`,
		`//ul[@id="menu_bar"]//a[contains(text(), "Ocorrências")]`,
		`//a[contains(@href, "ocorrencia") or contains(@href, "relatorio")]`,
	}
	occurrenceReportSelectors = []string{
		`//*[@id="menu_bar"]/ul/li[2]/ul/li[2]/ul/li[14]/a/span`,
		`//a[contains(text(), "Ocorrências")]`,
		`//span[contains(text(), "Ocorrências")]`,
	}
)

// Report form fields
const (
	startDateSelector = `//*[@id="frm_relatorios:itDataInicial_input"]`
	endDateSelector   = `//*[@id="frm_relatorios:itDataFinal_input"]`
	confirmSelector   = `//*[@id="frm_relatorios:j_idt230"]`
	exportSelector    = `//*[@id="frm_relatorios:bt_validar_campos"]/span[2]`
)
