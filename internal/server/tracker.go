package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleTrackerJS serves the browser client that assigns visitors and
// reports conversions against this server. Without a configured public URL
// the URL is derived from the request, so the response must not be shared
// between clients.
func (s *Server) handleTrackerJS(w http.ResponseWriter, r *http.Request) {
	serverURL := s.publicURL
	cache := "public, max-age=60"
	if serverURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		serverURL = fmt.Sprintf("%s://%s", scheme, r.Host)
		cache = "private, max-age=60"
	}

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", cache)
	w.Write([]byte(TrackerScript(serverURL)))
}

// TrackerScript returns the labgoat.js client bound to serverURL.
//
// Elements marked data-labgoat-experiment="<id>" are assigned on load and
// the variant's changes applied to them. Elements marked
// data-labgoat-convert="<id>" report a conversion for data-labgoat-goal on
// click, or on load when data-labgoat-convert-type="url".
func TrackerScript(serverURL string) string {
	return fmt.Sprintf(`(function(){
  var S=%s;

  var sid=localStorage.getItem('labgoat_sid');
  if(!sid){
    sid=crypto.randomUUID();
    localStorage.setItem('labgoat_sid',sid);
  }
  var device=/Mobi|Android/i.test(navigator.userAgent)?'mobile':'desktop';

  function post(path,body){
    return fetch(S+path,{
      method:'POST',
      keepalive:true,
      headers:{'Content-Type':'application/json'},
      body:JSON.stringify(body)
    }).then(function(r){return r.json();});
  }

  function apply(el,changes){
    (changes||[]).forEach(function(c){
      switch(c.attribute){
        case 'text':el.textContent=c.value;break;
        case 'html':el.innerHTML=c.value;break;
        case 'class':el.className=c.value;break;
        case 'style':el.style.cssText=c.value;break;
        default:el.setAttribute(c.attribute,c.value);
      }
    });
  }

  function convert(exp,goal,value){
    var v=localStorage.getItem('labgoat_'+exp);
    if(!v)return;
    var body={variantId:v,participantId:sid,goalId:goal||'conversion'};
    if(value!==undefined)body.value=value;
    post('/experiments/'+encodeURIComponent(exp)+'/conversions',body);
  }

  document.querySelectorAll('[data-labgoat-experiment]').forEach(function(el){
    var exp=el.dataset.labgoatExperiment;
    post('/experiments/'+encodeURIComponent(exp)+'/participants',{sessionId:sid,deviceType:device})
      .then(function(res){
        if(!res.success)return;
        localStorage.setItem('labgoat_'+exp,res.data.variantId);
        apply(el,res.data.changes);
      });
  });

  document.querySelectorAll('[data-labgoat-convert]').forEach(function(el){
    var exp=el.dataset.labgoatConvert;
    var goal=el.dataset.labgoatGoal;
    if(el.dataset.labgoatConvertType==='url'){
      convert(exp,goal);
      return;
    }
    el.addEventListener('click',function(){convert(exp,goal);});
  });

  window.labgoat={convert:convert};
})();`, jsString(serverURL))
}

// jsString renders s as a JavaScript string literal. encoding/json escapes
// quotes, backslashes and the HTML-sensitive < > &.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
